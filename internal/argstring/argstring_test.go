package argstring

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLabel(t *testing.T) {
	scenarios := map[string]struct {
		args  string
		label string
	}{
		"quoted label": {
			args:  `label="init -> sheep_counter", ram_quota=8K`,
			label: "init -> sheep_counter",
		},
		"bare label": {
			args:  `ram_quota=8K, label=sheep`,
			label: "sheep",
		},
		"quoted comma": {
			args:  `label="a, b", cap_quota=3`,
			label: "a, b",
		},
		"missing label": {
			args:  `ram_quota=8K`,
			label: "",
		},
		"empty args": {
			args:  ``,
			label: "",
		},
		"unterminated quote": {
			args:  `label="sheep, ram_quota=8K`,
			label: "",
		},
		"token without value": {
			args:  `label="sheep", garbage`,
			label: "",
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			assert.Equal(t, data.label, Find(data.args, "label").String(""))
		})
	}
}

func TestUint(t *testing.T) {
	scenarios := map[string]struct {
		raw  string
		want uint64
	}{
		"decimal":   {raw: "4096", want: 4096},
		"kilobytes": {raw: "8K", want: 8 << 10},
		"megabytes": {raw: "2M", want: 2 << 20},
		"gigabytes": {raw: "1G", want: 1 << 30},
		"hex":       {raw: "0x1000", want: 0x1000},
		"invalid":   {raw: "lots", want: 7},
		"overflow":  {raw: "0xFFFFFFFFFFFFFFFFK", want: 7},
		"max":       {raw: "0xFFFFFFFFFFFFFFFF", want: 1<<64 - 1},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			args := "ram_quota=" + data.raw
			assert.Equal(t, data.want, Find(args, "ram_quota").Uint(7))
		})
	}

	assert.Equal(t, uint64(7), Find("", "ram_quota").Uint(7))
}

func TestParseUintOverflow(t *testing.T) {
	_, err := ParseUint("0xFFFFFFFFFFFFFFFFK")
	assert.ErrorIs(t, err, strconv.ErrRange)

	v, err := ParseUint("16777215G")
	require.NoError(t, err)
	assert.Equal(t, uint64(16777215)<<30, v)
}

func TestSet(t *testing.T) {
	got, err := Set(`label="x", ram_quota=8K`, "ram_quota", "16384")
	require.NoError(t, err)
	assert.Equal(t, `label="x", ram_quota=16384`, got)

	got, err = Set(`label="x"`, "cap_quota", "5")
	require.NoError(t, err)
	assert.Equal(t, `label="x", cap_quota=5`, got)

	got, err = Set(``, "ram_quota", "1")
	require.NoError(t, err)
	assert.Equal(t, `ram_quota=1`, got)

	_, err = Set(`label="x`, "ram_quota", "1")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"sheep"`, Quote("sheep"))
	assert.Equal(t, "sheep", Find("label="+Quote("sheep"), "label").String(""))
}
