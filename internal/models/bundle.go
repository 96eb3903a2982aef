package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Landing page modes.
const (
	ModeHosted   = "hosted"
	ModeProxy    = "proxy"
	ModeRedirect = "redirect"
)

// StringList decodes a JSON field that may be a scalar or a list. Scalars
// become a list of one; numbers are stringified so ASN values can be written
// either way. Matching code only ever deals with lists.
type StringList []string

// UnmarshalJSON implements the field-or-list convention used by bundle JSON.
func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			v, err := scalarString(r)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		*s = out
		return nil
	}
	v, err := scalarString(data)
	if err != nil {
		return err
	}
	*s = []string{v}
	return nil
}

func scalarString(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		err := json.Unmarshal(data, &v)
		return v, err
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// TimeWindow is a half-open interval on fractional UTC hours.
type TimeWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// FlagSet is a conjunction of predicates over the request context. A list
// value is an OR within the field; a missing field is "don't care".
type FlagSet struct {
	Country   StringList        `json:"country,omitempty"`
	Region    StringList        `json:"region,omitempty"`
	City      StringList        `json:"city,omitempty"`
	Continent StringList        `json:"continent,omitempty"`
	ASN       StringList        `json:"asn,omitempty"`
	Colo      StringList        `json:"colo,omitempty"`
	IP        StringList        `json:"ip,omitempty"`
	Org       StringList        `json:"org,omitempty"`
	Language  StringList        `json:"language,omitempty"`
	Time      *TimeWindow       `json:"time,omitempty"`
	Device    StringList        `json:"device,omitempty"`
	Browser   StringList        `json:"browser,omitempty"`
	OS        StringList        `json:"os,omitempty"`
	Brand     StringList        `json:"brand,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// IsZero reports whether no predicate is present.
func (f *FlagSet) IsZero() bool {
	if f == nil {
		return true
	}
	return len(f.Country) == 0 && len(f.Region) == 0 && len(f.City) == 0 &&
		len(f.Continent) == 0 && len(f.ASN) == 0 && len(f.Colo) == 0 &&
		len(f.IP) == 0 && len(f.Org) == 0 && len(f.Language) == 0 &&
		f.Time == nil && len(f.Device) == 0 && len(f.Browser) == 0 &&
		len(f.OS) == 0 && len(f.Brand) == 0 && len(f.Params) == 0
}

// BlockSet is the per-bundle deny list. Any single match routes the request
// to the bundle default.
type BlockSet struct {
	IPs       StringList `json:"ips,omitempty"`
	Orgs      StringList `json:"orgs,omitempty"`
	Hostnames StringList `json:"hostnames,omitempty"`
	Cities    StringList `json:"cities,omitempty"`
	Countries StringList `json:"countries,omitempty"`
	Devices   StringList `json:"devices,omitempty"`
	Browsers  StringList `json:"browsers,omitempty"`
	OSes      StringList `json:"oses,omitempty"`
}

// Modification is one DOM edit applied by the modifications rewriter.
// Value is raw JSON: a string for setText/setHtml/setCss and an object
// {"name":...,"value":...} for setAttribute.
type Modification struct {
	Selector string          `json:"selector"`
	Action   string          `json:"action"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// StringValue decodes Value as a plain string, tolerating bare JSON.
func (m *Modification) StringValue() string {
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return string(m.Value)
}

// AttrValue decodes Value as a {name, value} pair for setAttribute.
func (m *Modification) AttrValue() (name, value string) {
	var v struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	_ = json.Unmarshal(m.Value, &v)
	return v.Name, v.Value
}

// WeightedDest is one destination inside a rule's destinations list.
// Exactly one of Folder/ProxyURL/RedirectURL is set. Weight defaults to 1.
type WeightedDest struct {
	Folder      string `json:"folder,omitempty"`
	ProxyURL    string `json:"proxyUrl,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Weight      int    `json:"weight,omitempty"`
}

// WeightedClickDest is one click-out destination referencing a destination
// row by ID. Weight defaults to 1.
type WeightedClickDest struct {
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// WeightedLP is one entry of a bundle's defaultDestinations array.
type WeightedLP struct {
	Folder string `json:"folder"`
	Mode   string `json:"mode,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// WeightedOffer is one entry of a bundle's defaultOffers array.
type WeightedOffer struct {
	URL    string `json:"url"`
	Weight int    `json:"weight,omitempty"`
}

// Rule is one branch of a campaign's targeting table. When Groups is
// non-empty, Flags is ignored and the groups form an OR.
type Rule struct {
	Flags  *FlagSet  `json:"flags,omitempty"`
	Groups []FlagSet `json:"groups,omitempty"`
	Weight int       `json:"weight,omitempty"`

	Variables map[string]string `json:"variables,omitempty"`

	Folder        string         `json:"folder,omitempty"`
	ProxyURL      string         `json:"proxyUrl,omitempty"`
	RedirectURL   string         `json:"redirectUrl,omitempty"`
	Modifications []Modification `json:"modifications,omitempty"`
	Destinations  []WeightedDest `json:"destinations,omitempty"`

	ClickURL          string              `json:"clickUrl,omitempty"`
	ClickDestinations []WeightedClickDest `json:"clickDestinations,omitempty"`
}

// EffectiveWeight returns the rule weight, defaulting to 100.
func (r *Rule) EffectiveWeight() int {
	if r.Weight <= 0 {
		return 100
	}
	return r.Weight
}

// HasClickTarget reports whether the rule participates in click-out paths.
func (r *Rule) HasClickTarget() bool {
	return r.ClickURL != "" || len(r.ClickDestinations) > 0
}

// RuleBundle is the KV value for one campaign, keyed by {host}{path}.
// Unknown fields are ignored so the record stays forward compatible.
type RuleBundle struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	SiteName            string            `json:"siteName"`
	Rules               []Rule            `json:"rules"`
	DefaultFolder       string            `json:"defaultFolder,omitempty"`
	DestinationID       string            `json:"destinationId,omitempty"`
	DefaultFolderMode   string            `json:"defaultFolderMode,omitempty"`
	DefaultDestinations []WeightedLP      `json:"defaultDestinations,omitempty"`
	DefaultOffers       []WeightedOffer   `json:"defaultOffers,omitempty"`
	Variables           map[string]string `json:"variables,omitempty"`
	Blocks              *BlockSet         `json:"blocks,omitempty"`
}

// ParseBundle decodes a KV value into its canonical in-memory form.
func ParseBundle(data []byte) (*RuleBundle, error) {
	var b RuleBundle
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ParseFraction parses a fractional-hour value written as number or string.
func ParseFraction(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
