package hci

import (
	_ "embed"
	"io/ioutil"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed eventmask.yaml
var defaultEventMasks []byte

// EventMasks is the table the initialization stages program the controller's
// event masks from.
type EventMasks struct {
	EventMask   MaskSpec `yaml:"event_mask"`
	Page2       MaskSpec `yaml:"event_mask_page_2"`
	LEEventMask MaskSpec `yaml:"le_event_mask"`
}

// MaskSpec describes one 8 octet event mask.
type MaskSpec struct {
	MinHCIVersion uint8      `yaml:"min_hci_version"`
	Require       Conds      `yaml:"require"`
	SkipUnchanged bool       `yaml:"skip_unchanged"`
	Bases         []MaskBase `yaml:"bases"`
	Bits          []MaskBit  `yaml:"bits"`
}

type MaskBase struct {
	When Conds   `yaml:"when"`
	Mask []uint8 `yaml:"mask"`
}

type MaskBit struct {
	Byte int   `yaml:"byte"`
	Mask uint8 `yaml:"mask"`
	When Conds `yaml:"when"`
}

// Conds holds when all of its conditions hold. It decodes from a single
// string or a list of strings.
type Conds []string

func (c *Conds) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*c = Conds{n.Value}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := n.Decode(&ss); err != nil {
			return err
		}
		*c = ss
		return nil
	}
	return errors.Errorf("line %d: condition must be a string or a list of strings", n.Line)
}

// maskEnv is what conditions are evaluated against.
type maskEnv struct {
	info   *Info
	quirks Quirks
}

var capConds = map[string]func(e *maskEnv) bool{
	"bredr":              func(e *maskEnv) bool { return e.info.BREDRCapable() },
	"le":                 func(e *maskEnv) bool { return e.info.LECapable() },
	"ssp":                func(e *maskEnv) bool { return e.info.SSPCapable() },
	"sc":                 func(e *maskEnv) bool { return e.info.SCCapable() },
	"inq_rssi":           func(e *maskEnv) bool { return e.info.inqRSSICapable() },
	"ext_feat":           func(e *maskEnv) bool { return e.info.extFeatCapable() },
	"esco":               func(e *maskEnv) bool { return e.info.escoCapable() },
	"sniff_subr":         func(e *maskEnv) bool { return e.info.sniffSubrCapable() },
	"pause_enc":          func(e *maskEnv) bool { return e.info.pauseEncCapable() },
	"ext_inq":            func(e *maskEnv) bool { return e.info.extInqCapable() },
	"no_flush":           func(e *maskEnv) bool { return e.info.noFlushCapable() },
	"lsto":               func(e *maskEnv) bool { return e.info.lstoCapable() },
	"csb_master":         func(e *maskEnv) bool { return e.info.csbMasterCapable() },
	"csb_slave":          func(e *maskEnv) bool { return e.info.csbSlaveCapable() },
	"ping":               func(e *maskEnv) bool { return e.info.pingCapable() },
	"le_encryption":      func(e *maskEnv) bool { return e.info.leFeature(0, leEncryption) },
	"le_conn_param_req":  func(e *maskEnv) bool { return e.info.leFeature(0, leConnParamReq) },
	"le_ping":            func(e *maskEnv) bool { return e.info.leFeature(0, lePing) },
	"le_data_len_ext":    func(e *maskEnv) bool { return e.info.leFeature(0, leDataLenExt) },
	"le_ll_privacy":      func(e *maskEnv) bool { return e.info.leFeature(0, leLLPrivacy) },
	"le_ext_scan_policy": func(e *maskEnv) bool { return e.info.leFeature(0, leExtScanPolicy) },
	"le_chan_sel_alg2":   func(e *maskEnv) bool { return e.info.leFeature(1, leChanSelAlg2) },
	"ext_adv":            func(e *maskEnv) bool { return e.info.extAdvCapable() },
	"ext_scan":           func(e *maskEnv) bool { return e.info.useExtScan() },
	"fixup_inquiry_mode": func(e *maskEnv) bool { return e.quirks.Has(QuirkFixupInquiryMode) },
}

var cmdCond = regexp.MustCompile(`^cmd\[(\d+)\]&0x([0-9a-fA-F]{1,2})$`)

// atom evaluates a single, possibly negated, condition.
func atom(s string, e *maskEnv) (bool, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "!")
	if neg {
		s = strings.TrimSpace(s[1:])
	}

	var v bool
	if m := cmdCond.FindStringSubmatch(s); m != nil {
		octet, _ := strconv.Atoi(m[1])
		bit, _ := strconv.ParseUint(m[2], 16, 8)
		if octet >= len(e.info.Commands) {
			return false, errors.Errorf("command octet %d out of range", octet)
		}
		v = e.info.HasCommand(octet, byte(bit))
	} else if fn, ok := capConds[s]; ok {
		v = fn(e)
	} else {
		return false, errors.Errorf("unknown condition %q", s)
	}
	return v != neg, nil
}

func (c Conds) eval(e *maskEnv) (bool, error) {
	for _, s := range c {
		any := false
		for _, alt := range strings.Split(s, "|") {
			v, err := atom(alt, e)
			if err != nil {
				return false, err
			}
			any = any || v
		}
		if !any {
			return false, nil
		}
	}
	return true, nil
}

func (c Conds) holds(e *maskEnv) bool {
	v, _ := c.eval(e)
	return v
}

// build returns the mask for the controller described by e, and whether the
// command carrying it should be sent at all.
func (s *MaskSpec) build(e *maskEnv) ([8]byte, bool) {
	var m [8]byte
	if e.info.HCIVersion < s.MinHCIVersion || !s.Require.holds(e) {
		return m, false
	}
	for _, b := range s.Bases {
		if b.When.holds(e) {
			copy(m[:], b.Mask)
			break
		}
	}
	changed := false
	for _, b := range s.Bits {
		if b.When.holds(e) {
			m[b.Byte] |= b.Mask
			changed = true
		}
	}
	if s.SkipUnchanged && !changed {
		return m, false
	}
	return m, true
}

func (s *MaskSpec) validate(name string) error {
	// evaluating against an empty controller catches every malformed condition
	e := &maskEnv{info: &Info{}}
	check := func(c Conds, where string) error {
		if _, err := c.eval(e); err != nil {
			return errors.Wrapf(err, "%s %s", name, where)
		}
		return nil
	}

	if err := check(s.Require, "require"); err != nil {
		return err
	}
	for i, b := range s.Bases {
		if len(b.Mask) != 8 {
			return errors.Errorf("%s base %d: mask has %d octets, want 8", name, i, len(b.Mask))
		}
		if err := check(b.When, "base "+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	for i, b := range s.Bits {
		if b.Byte < 0 || b.Byte > 7 {
			return errors.Errorf("%s bit %d: octet %d out of range", name, i, b.Byte)
		}
		if err := check(b.When, "bit "+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	return nil
}

// LoadEventMasks parses an event mask table.
func LoadEventMasks(b []byte) (*EventMasks, error) {
	var m EventMasks
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "can't parse event masks")
	}
	for _, s := range []struct {
		name string
		spec *MaskSpec
	}{
		{"event_mask", &m.EventMask},
		{"event_mask_page_2", &m.Page2},
		{"le_event_mask", &m.LEEventMask},
	} {
		if err := s.spec.validate(s.name); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// LoadEventMasksFile reads an event mask table from path, or returns the
// built-in table when path is empty.
func LoadEventMasksFile(path string) (*EventMasks, error) {
	if path == "" {
		return LoadEventMasks(defaultEventMasks)
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read event masks")
	}
	return LoadEventMasks(b)
}
