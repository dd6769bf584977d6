package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// User is the account record returned by GET /user.
type User struct {
	ID       flexString  `json:"id"`
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Balance  json.Number `json:"balance,omitempty"`
	Verified bool        `json:"verified,omitempty"`
}

// Proxy is one inventory entry. The provider does not return the SOCKS
// password; Endpoints fills in the account password.
type Proxy struct {
	ID       flexString  `json:"id,omitempty"`
	IP       string      `json:"ip"`
	Port     flexInt     `json:"port,omitempty"`
	Username string      `json:"username,omitempty"`
	Password string      `json:"password,omitempty"`
	Country  string      `json:"country,omitempty"`
	Type     string      `json:"type,omitempty"`
	Expires  string      `json:"expires,omitempty"`
}

// Stock maps a country code to the number of proxies available.
type Stock map[string]json.RawMessage

// Bandwidth is the usage record returned by GET /user/bandwidth.
type Bandwidth struct {
	Used      json.Number `json:"used,omitempty"`
	Remaining json.Number `json:"remaining,omitempty"`
	Balance   json.Number `json:"balance,omitempty"`
}

// Left returns the balance, falling back to the remaining allowance.
func (b Bandwidth) Left() string {
	if b.Balance != "" {
		return b.Balance.String()
	}
	return b.Remaining.String()
}

type proxyList struct {
	Data []Proxy `json:"data"`
}

// flexInt accepts a port as a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("port: %s", b)
		}
		n = json.Number(s)
	}
	if n == "" {
		return nil
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	*f = flexInt(v)
	return nil
}

// flexString accepts an identifier as a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %s", b)
	}
	*f = flexString(n.String())
	return nil
}
