package utils

import (
	"math"
	"testing"

	"github.com/apex/log/handlers/cli"
)

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{name: "decimal", in: "4096", want: 4096},
		{name: "hex", in: "0x1000", want: 0x1000},
		{name: "bare hex", in: "ff", want: 0xff},
		{name: "upper", in: "0X1A", want: 0x1a},
		{name: "underscores", in: "0x1_8000_0000", want: 0x180000000},
		{name: "garbage", in: "zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertStrToInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConvertStrToInt(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ConvertStrToInt(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestUleb128(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
	}
	for _, tt := range tests {
		got := AppendUleb128(nil, tt.v)
		if string(got) != string(tt.want) {
			t.Errorf("AppendUleb128(%#x) = %x, want %x", tt.v, got, tt.want)
		}
		if n := Uleb128Size(tt.v); n != len(tt.want) {
			t.Errorf("Uleb128Size(%#x) = %d, want %d", tt.v, n, len(tt.want))
		}
		v, off, err := ReadUleb128(append([]byte{0xAA}, tt.want...), 1)
		if err != nil || v != tt.v || off != len(tt.want)+1 {
			t.Errorf("ReadUleb128(%x) = %#x, %d, %v", tt.want, v, off, err)
		}
	}

	bad := [][]byte{
		{0x80},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02},
	}
	for _, data := range bad {
		if _, _, err := ReadUleb128(data, 0); err == nil {
			t.Errorf("ReadUleb128(%x) succeeded", data)
		}
	}
}

func TestSleb128(t *testing.T) {
	tests := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{2, []byte{0x02}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-128, []byte{0x80, 0x7f}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tt := range tests {
		got := AppendSleb128(nil, tt.v)
		if string(got) != string(tt.want) {
			t.Errorf("AppendSleb128(%d) = %x, want %x", tt.v, got, tt.want)
		}
		v, off, err := ReadSleb128(tt.want, 0)
		if err != nil || v != tt.v || off != len(tt.want) {
			t.Errorf("ReadSleb128(%x) = %d, %d, %v", tt.want, v, off, err)
		}
	}
	if _, _, err := ReadSleb128([]byte{0x80, 0x80}, 0); err == nil {
		t.Error("ReadSleb128() accepted a truncated value")
	}
}

func TestIndent(t *testing.T) {
	orig := cli.Default.Padding
	defer func() { cli.Default.Padding = orig }()
	cli.Default.Padding = normalPadding

	var during int
	Indent(func(string) { during = cli.Default.Padding }, 3)("msg")
	if during != 3*normalPadding {
		t.Errorf("padding while logging = %d, want %d", during, 3*normalPadding)
	}
	if cli.Default.Padding != normalPadding {
		t.Errorf("padding after logging = %d, want %d", cli.Default.Padding, normalPadding)
	}
}
