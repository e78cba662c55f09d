package hci

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultEventMasks(t *testing.T) {
	m, err := LoadEventMasksFile("")
	require.NoError(t, err)
	require.Len(t, m.EventMask.Bases, 2)
	require.Equal(t, Conds{"cmd[22]&0x04"}, m.Page2.Require)
}

func TestCondsDecode(t *testing.T) {
	var v struct {
		A Conds `yaml:"a"`
		B Conds `yaml:"b"`
		C Conds `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: le\nb: [bredr, \"!le\"]\n"), &v))
	require.Equal(t, Conds{"le"}, v.A)
	require.Equal(t, Conds{"bredr", "!le"}, v.B)
	require.Empty(t, v.C)

	require.Error(t, yaml.Unmarshal([]byte("a: {x: 1}\n"), &v))
}

func TestCondsEval(t *testing.T) {
	i := &Info{}
	i.Commands[5] = 0x10
	e := &maskEnv{info: i}

	for _, tc := range []struct {
		c    Conds
		want bool
	}{
		{Conds{"cmd[5]&0x10"}, true},
		{Conds{"!cmd[5]&0x10"}, false},
		{Conds{"cmd[5]&0x01"}, false},
		{Conds{"cmd[5]&0x01|cmd[5]&0x10"}, true},
		{Conds{"cmd[5]&0x10", "le"}, false},
		{Conds{"cmd[5]&0x10", "!le"}, true},
		{nil, true},
	} {
		v, err := tc.c.eval(e)
		require.NoError(t, err, tc.c)
		require.Equal(t, tc.want, v, tc.c)
	}

	_, err := Conds{"warp_drive"}.eval(e)
	require.Error(t, err)
	_, err = Conds{"cmd[64]&0x01"}.eval(e)
	require.Error(t, err)

	e.quirks = QuirkFixupInquiryMode
	require.True(t, Conds{"inq_rssi|fixup_inquiry_mode"}.holds(e))
}

func TestMaskBuild(t *testing.T) {
	i := &Info{HCIVersion: 4}
	i.Commands[0] = 0x20
	e := &maskEnv{info: i}

	s := MaskSpec{
		Bases: []MaskBase{
			{When: Conds{"le"}, Mask: []uint8{0xff, 0, 0, 0, 0, 0, 0, 0}},
			{Mask: []uint8{0x01, 0x02, 0, 0, 0, 0, 0, 0}},
		},
		Bits: []MaskBit{
			{Byte: 7, Mask: 0x20, When: Conds{"cmd[0]&0x20"}},
			{Byte: 6, Mask: 0x01, When: Conds{"le"}},
		},
	}
	m, ok := s.build(e)
	require.True(t, ok)
	require.Equal(t, [8]byte{0x01, 0x02, 0, 0, 0, 0, 0, 0x20}, m)

	s.MinHCIVersion = 5
	_, ok = s.build(e)
	require.False(t, ok)

	s = MaskSpec{SkipUnchanged: true, Bits: []MaskBit{{Byte: 1, Mask: 0x01, When: Conds{"le"}}}}
	_, ok = s.build(e)
	require.False(t, ok)

	s.Require = Conds{"cmd[0]&0x01"}
	s.SkipUnchanged = false
	_, ok = s.build(e)
	require.False(t, ok)
}

func TestLoadEventMasksInvalid(t *testing.T) {
	for _, doc := range []string{
		"event_mask: {bases: [{mask: [1, 2, 3]}]}",
		"event_mask: {bits: [{byte: 8, mask: 1}]}",
		"le_event_mask: {require: nope}",
		"event_mask_page_2: {bits: [{byte: 0, mask: 1, when: \"cmd[99]&0x01\"}]}",
		"event_mask: [",
	} {
		_, err := LoadEventMasks([]byte(doc))
		require.Error(t, err, doc)
	}
}

func TestLoadEventMasksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masks.yaml")
	doc := "le_event_mask:\n  bases:\n    - mask: [0x1f, 0, 0, 0, 0, 0, 0, 0]\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))

	m, err := LoadEventMasksFile(path)
	require.NoError(t, err)
	mask, ok := m.LEEventMask.build(&maskEnv{info: &Info{}})
	require.True(t, ok)
	require.Equal(t, byte(0x1f), mask[0])

	_, err = LoadEventMasksFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
