// Package devicetest provides an in-memory device that interprets the
// commands issued through device.Channel: files, the tunnel daemon, links,
// routes and policy rules.
package devicetest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tunfleet/internal/device"
	"tunfleet/internal/model"
)

const (
	DefaultGateway = "10.0.2.2"
	DefaultIface   = "eth0"
	DefaultTun     = "tun0"
)

// Route is one entry of a routing table. Table is "main" unless set.
type Route struct {
	Dest  string
	Type  string
	Via   string
	Dev   string
	Table string
}

func (r Route) String() string {
	var b strings.Builder
	if r.Type != "" && r.Type != "unicast" {
		b.WriteString(r.Type + " ")
	}
	b.WriteString(r.Dest)
	if r.Via != "" {
		b.WriteString(" via " + r.Via)
	}
	if r.Dev != "" {
		b.WriteString(" dev " + r.Dev)
	}
	if r.Table != "" && r.Table != "main" {
		b.WriteString(" table " + r.Table)
	}
	return b.String()
}

// Rule is one policy routing rule.
type Rule struct {
	Pref  int
	Mark  string
	Table string
}

func (r Rule) String() string {
	s := strconv.Itoa(r.Pref) + ":"
	if r.Mark != "" {
		s += " fwmark " + r.Mark
	}
	return s + " lookup " + r.Table
}

type file struct {
	data string
	exec bool
}

// Fake is a simulated device. The exported fields are knobs tests set before
// use; all methods are safe for concurrent use.
type Fake struct {
	// Booted is what getprop sys.boot_completed reports.
	Booted bool
	// TunLag is the number of interface probes that miss before the tunnel
	// interface appears after a daemon start.
	TunLag int
	// FailPush makes the next n pushes fail.
	FailPush int
	// ExitIP is returned by the exit address fetch.
	ExitIP string

	mu          sync.Mutex
	unreachable bool
	hang        bool
	release     chan struct{}
	files       map[string]file
	links       map[string]bool
	routes      []Route
	rules       []Rule
	refuse      map[string]bool
	daemonPID   int
	daemonAlive bool
	nextPID     int
	pendingTun  int
	commands    []string
	pushes      int
}

// NewFake returns a booted device with eth0, a default route via the
// emulator gateway and no tunnel binary installed.
func NewFake() *Fake {
	return &Fake{
		Booted:  true,
		ExitIP:  "203.0.113.50",
		release: make(chan struct{}),
		files:   make(map[string]file),
		links:   map[string]bool{DefaultIface: true},
		routes: []Route{
			{Dest: "default", Via: DefaultGateway, Dev: DefaultIface, Table: "main"},
			{Dest: "10.0.2.0/24", Dev: DefaultIface, Table: "main"},
		},
		refuse:  make(map[string]bool),
		nextPID: 4100,
	}
}

// SetUnreachable makes every call fail with a transport error.
func (f *Fake) SetUnreachable(v bool) {
	f.mu.Lock()
	f.unreachable = v
	f.mu.Unlock()
}

// Hang blocks every call until its context ends or Unhang is called.
func (f *Fake) Hang() {
	f.mu.Lock()
	f.hang = true
	f.mu.Unlock()
}

// Unhang releases blocked calls.
func (f *Fake) Unhang() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hang {
		f.hang = false
		close(f.release)
		f.release = make(chan struct{})
	}
}

// Refuse makes the daemon exit right after start when its descriptor points
// at addr ("host:port").
func (f *Fake) Refuse(addr string) {
	f.mu.Lock()
	f.refuse[addr] = true
	f.mu.Unlock()
}

// InstallBinary places an executable at p as if pushed earlier.
func (f *Fake) InstallBinary(p string) {
	f.mu.Lock()
	f.files[p] = file{data: "binary", exec: true}
	f.mu.Unlock()
}

// KillDaemon simulates the daemon dying: the process exits and the kernel
// removes the tunnel interface together with the routes through it.
func (f *Fake) KillDaemon() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daemonAlive = false
	f.deleteLink(DefaultTun)
}

// DropTunnel removes the tunnel interface while the daemon keeps running.
func (f *Fake) DropTunnel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteLink(DefaultTun)
}

// DaemonAlive reports whether a daemon process is running.
func (f *Fake) DaemonAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.daemonAlive
}

// HasLink reports whether the named interface exists.
func (f *Fake) HasLink(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[name]
}

// File returns the content of p and whether it exists.
func (f *Fake) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[p]
	return fl.data, ok
}

// Routes returns a copy of all routes.
func (f *Fake) Routes() []Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Route(nil), f.routes...)
}

// Rules returns a copy of all policy rules ordered by preference.
func (f *Fake) Rules() []Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Rule(nil), f.rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out
}

// AddRule seeds a policy rule, e.g. a legacy one left by older releases.
func (f *Fake) AddRule(r Rule) {
	f.mu.Lock()
	f.rules = append(f.rules, r)
	f.mu.Unlock()
}

// AddRoute seeds a route.
func (f *Fake) AddRoute(r Route) {
	if r.Table == "" {
		r.Table = "main"
	}
	f.mu.Lock()
	f.routes = append(f.routes, r)
	f.mu.Unlock()
}

// Commands returns the rendered commands received so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CountCommands counts received commands containing substr.
func (f *Fake) CountCommands(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Pushes returns the number of successful pushes.
func (f *Fake) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *Fake) gate(ctx context.Context) error {
	f.mu.Lock()
	unreachable, hang, release := f.unreachable, f.hang, f.release
	f.mu.Unlock()
	if unreachable {
		return fmt.Errorf("fake: %w", device.ErrTransport)
	}
	if hang {
		select {
		case <-ctx.Done():
			return fmt.Errorf("fake: %w: %v", device.ErrTransport, ctx.Err())
		case <-release:
		}
	}
	return nil
}

func (f *Fake) Push(ctx context.Context, localPath, remotePath string) error {
	if err := f.gate(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPush > 0 {
		f.FailPush--
		return fmt.Errorf("adb push: failed to copy %q to %q: remote write failed", localPath, remotePath)
	}
	f.pushes++
	f.files[remotePath] = file{data: "binary"}
	return nil
}

func (f *Fake) Shell(ctx context.Context, cmd device.Command, timeout time.Duration) (device.Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := f.gate(ctx); err != nil {
		return device.Output{ExitCode: -1}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd.String())

	var out device.Output
	if cmd.Detached() {
		f.spawn(cmd.Argv())
		return out, nil
	}

	stdin := ""
	for _, argv := range cmd.Stages() {
		out = f.exec(argv, stdin)
		stdin = out.Stdout
		if out.ExitCode != 0 {
			break
		}
	}
	if target := cmd.Redirect(); target != "" && out.ExitCode == 0 {
		f.files[target] = file{data: out.Stdout}
		out.Stdout = ""
	}
	if cmd.IsTolerant() {
		out.ExitCode = 0
	}
	return out, nil
}

func (f *Fake) exec(argv []string, stdin string) device.Output {
	if len(argv) == 0 {
		return device.Output{}
	}
	args := argv[1:]
	switch argv[0] {
	case "echo":
		return device.Output{Stdout: strings.Join(args, " ") + "\n"}
	case "base64":
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stdin))
		if err != nil {
			return fail(1, "base64: invalid input")
		}
		return device.Output{Stdout: string(data)}
	case "test":
		if len(args) == 2 && args[0] == "-x" {
			if fl, ok := f.files[args[1]]; ok && fl.exec {
				return device.Output{}
			}
			return device.Output{ExitCode: 1}
		}
		return device.Output{ExitCode: 2}
	case "chmod":
		if len(args) != 2 {
			return fail(1, "chmod: bad usage")
		}
		fl, ok := f.files[args[1]]
		if !ok {
			return fail(1, "chmod: "+args[1]+": No such file or directory")
		}
		fl.exec = true
		f.files[args[1]] = fl
		return device.Output{}
	case "head", "cat":
		p := args[len(args)-1]
		fl, ok := f.files[p]
		if !ok {
			return fail(1, argv[0]+": "+p+": No such file or directory")
		}
		if argv[0] == "head" {
			first, _, _ := strings.Cut(fl.data, "\n")
			return device.Output{Stdout: first}
		}
		return device.Output{Stdout: fl.data}
	case "rm":
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				delete(f.files, a)
			}
		}
		return device.Output{}
	case "kill":
		return f.kill(args)
	case "pkill":
		if f.daemonAlive {
			f.stopDaemon()
			return device.Output{}
		}
		return device.Output{ExitCode: 1}
	case "getprop":
		if len(args) == 1 && args[0] == "sys.boot_completed" && f.Booted {
			return device.Output{Stdout: "1"}
		}
		return device.Output{Stdout: ""}
	case "sysctl", "iptables":
		return device.Output{}
	case "curl", "wget", "toybox":
		if !f.links[DefaultTun] && !f.hasRoute("default") {
			return fail(6, "could not resolve host")
		}
		return device.Output{Stdout: f.ExitIP}
	case "ip":
		return f.ip(args)
	}
	return fail(127, argv[0]+": not found")
}

func (f *Fake) kill(args []string) device.Output {
	probe := false
	var pids []string
	for _, a := range args {
		switch a {
		case "-0":
			probe = true
		case "-9", "-15", "-TERM", "-KILL":
		default:
			pids = append(pids, a)
		}
	}
	if len(pids) == 0 {
		return fail(1, "kill: usage")
	}
	for _, p := range pids {
		pid, err := strconv.Atoi(p)
		if err != nil || !f.daemonAlive || pid != f.daemonPID {
			return fail(1, "kill: ("+p+"): No such process")
		}
		if !probe {
			f.stopDaemon()
		}
	}
	return device.Output{}
}

// spawn starts the tunnel daemon when argv names an installed executable
// followed by a descriptor path.
func (f *Fake) spawn(argv []string) {
	if len(argv) < 2 {
		return
	}
	bin, ok := f.files[argv[0]]
	if !ok || !bin.exec {
		return
	}
	conf, ok := f.files[argv[1]]
	if !ok {
		return
	}
	values := scanDescriptor(conf.data)
	pidFile := values["pid-file"]
	if pidFile == "" {
		pidFile = path.Join(path.Dir(argv[0]), path.Base(argv[0])+".pid")
	}

	f.nextPID++
	f.daemonPID = f.nextPID
	f.files[pidFile] = file{data: strconv.Itoa(f.daemonPID) + "\n"}
	if f.links[DefaultTun] {
		// A stale interface blocks tunnel creation.
		f.daemonAlive = false
		return
	}
	addr := values["address"] + ":" + values["port"]
	if f.refuse[addr] {
		f.daemonAlive = false
		return
	}
	f.daemonAlive = true
	f.pendingTun = f.TunLag
	if f.pendingTun == 0 {
		f.links[DefaultTun] = true
	}
}

func (f *Fake) stopDaemon() {
	f.daemonAlive = false
	f.pendingTun = 0
	f.deleteLink(DefaultTun)
}

func (f *Fake) deleteLink(name string) {
	delete(f.links, name)
	kept := f.routes[:0]
	for _, r := range f.routes {
		if r.Dev != name {
			kept = append(kept, r)
		}
	}
	f.routes = kept
}

func (f *Fake) hasRoute(dest string) bool {
	for _, r := range f.routes {
		if r.Dest == dest && r.Table == "main" {
			return true
		}
	}
	return false
}

func (f *Fake) ip(args []string) device.Output {
	if len(args) < 2 {
		return fail(255, "Usage: ip OBJECT COMMAND")
	}
	switch args[0] {
	case "link":
		return f.ipLink(args[1], args[2:])
	case "route":
		return f.ipRoute(args[1], args[2:])
	case "rule":
		return f.ipRule(args[1], args[2:])
	}
	return fail(255, "Object \""+args[0]+"\" is unknown")
}

func (f *Fake) ipLink(verb string, args []string) device.Output {
	name := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "dev" && i+1 < len(args) {
			name = args[i+1]
			i++
			continue
		}
		name = args[i]
	}
	switch verb {
	case "show":
		if name == DefaultTun && f.daemonAlive && f.pendingTun > 0 {
			f.pendingTun--
			if f.pendingTun == 0 {
				f.links[DefaultTun] = true
			}
		}
		if !f.links[name] {
			return fail(1, "Device \""+name+"\" does not exist.")
		}
		return device.Output{Stdout: "5: " + name + ": <POINTOPOINT,UP,LOWER_UP> mtu 1500 state UNKNOWN"}
	case "delete", "del":
		if !f.links[name] {
			return fail(1, "Cannot find device \""+name+"\"")
		}
		f.deleteLink(name)
		return device.Output{}
	}
	return fail(255, "unsupported link command")
}

func parseRoute(args []string) Route {
	r := Route{Table: "main"}
	for i := 0; i < len(args); i++ {
		a := args[i]
		next := ""
		if i+1 < len(args) {
			next = args[i+1]
		}
		switch a {
		case "blackhole", "unreachable", "prohibit":
			r.Type = a
		case "via":
			r.Via = next
			i++
		case "dev":
			r.Dev = next
			i++
		case "table":
			r.Table = next
			i++
		default:
			if r.Dest == "" {
				r.Dest = a
			}
		}
	}
	return r
}

func (f *Fake) ipRoute(verb string, args []string) device.Output {
	if verb == "flush" {
		r := parseRoute(args)
		kept := f.routes[:0]
		for _, existing := range f.routes {
			if existing.Table != r.Table {
				kept = append(kept, existing)
			}
		}
		f.routes = kept
		return device.Output{}
	}

	r := parseRoute(args)
	if r.Dest == "" {
		return fail(255, "Error: need destination")
	}
	if r.Dest != "default" && !strings.Contains(r.Dest, "/") {
		r.Dest += "/32"
	}
	idx := -1
	for i, existing := range f.routes {
		if existing.Dest == r.Dest && existing.Table == r.Table {
			idx = i
			break
		}
	}

	switch verb {
	case "add", "replace":
		if r.Dev != "" && !f.links[r.Dev] {
			return fail(1, "Cannot find device \""+r.Dev+"\"")
		}
		if idx >= 0 {
			if verb == "add" {
				return fail(2, "RTNETLINK answers: File exists")
			}
			f.routes[idx] = r
			return device.Output{}
		}
		f.routes = append(f.routes, r)
		return device.Output{}
	case "del", "delete":
		if idx < 0 {
			return fail(2, "RTNETLINK answers: No such process")
		}
		existing := f.routes[idx]
		if (r.Dev != "" && existing.Dev != r.Dev) ||
			(r.Via != "" && existing.Via != r.Via) ||
			(r.Type != "" && existing.Type != r.Type) {
			return fail(2, "RTNETLINK answers: No such process")
		}
		f.routes = append(f.routes[:idx], f.routes[idx+1:]...)
		return device.Output{}
	}
	return fail(255, "unsupported route command")
}

func parseRule(args []string) (Rule, error) {
	var r Rule
	for i := 0; i+1 < len(args); i += 2 {
		switch args[i] {
		case "fwmark":
			r.Mark = args[i+1]
		case "lookup", "table":
			r.Table = args[i+1]
		case "pref", "priority":
			p, err := strconv.Atoi(args[i+1])
			if err != nil {
				return r, errors.New("invalid pref")
			}
			r.Pref = p
		default:
			return r, errors.New("unsupported selector " + args[i])
		}
	}
	return r, nil
}

func (f *Fake) ipRule(verb string, args []string) device.Output {
	r, err := parseRule(args)
	if err != nil {
		return fail(255, "Error: "+err.Error())
	}
	idx := -1
	for i, existing := range f.rules {
		if existing == r {
			idx = i
			break
		}
	}
	switch verb {
	case "add":
		if idx >= 0 {
			return fail(2, "RTNETLINK answers: File exists")
		}
		f.rules = append(f.rules, r)
		return device.Output{}
	case "del", "delete":
		if idx < 0 {
			return fail(2, "RTNETLINK answers: No such file or directory")
		}
		f.rules = append(f.rules[:idx], f.rules[idx+1:]...)
		return device.Output{}
	}
	return fail(255, "unsupported rule command")
}

// scanDescriptor pulls the flat "key: value" pairs out of descriptor text.
func scanDescriptor(text string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `'"`)
		if val != "" {
			values[key] = val
		}
	}
	return values
}

func fail(code int, stderr string) device.Output {
	return device.Output{ExitCode: code, Stderr: stderr}
}

// Fleet is a device.Connector over fakes keyed by address. Unknown
// addresses connect to an unreachable device.
type Fleet struct {
	mu    sync.Mutex
	fakes map[string]*Fake
}

func NewFleet() *Fleet {
	return &Fleet{fakes: make(map[string]*Fake)}
}

// Add creates a fake for address and returns it.
func (fl *Fleet) Add(address string) *Fake {
	f := NewFake()
	fl.mu.Lock()
	fl.fakes[address] = f
	fl.mu.Unlock()
	return f
}

// Get returns the fake for address, or nil.
func (fl *Fleet) Get(address string) *Fake {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.fakes[address]
}

func (fl *Fleet) Connect(dev model.DeviceHandle) device.Channel {
	if f := fl.Get(dev.Address); f != nil {
		return f
	}
	f := NewFake()
	f.SetUnreachable(true)
	return f
}
