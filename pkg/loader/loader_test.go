package loader

import (
	"testing"
)

func TestLinkedit(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	tests := []struct {
		name    string
		off     uint32
		size    uint32
		want    []byte
		wantErr bool
	}{
		{name: "empty", off: 0x100},
		{name: "middle", off: 2, size: 3, want: []byte{2, 3, 4}},
		{name: "to end", off: 6, size: 2, want: []byte{6, 7}},
		{name: "past end", off: 6, size: 3, wantErr: true},
		{name: "overflow", off: 0xFFFFFFFF, size: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := linkedit(data, tt.off, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("linkedit() error = %v, wantErr %t", err, tt.wantErr)
			}
			if string(got) != string(tt.want) {
				t.Errorf("linkedit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDyldInfoStreams(t *testing.T) {
	data := []byte("rebasebindweaklazyexport")
	info := &dyldInfo{{0, 6}, {6, 4}, {10, 4}, {14, 4}, {18, 6}}
	want := []string{"rebase", "bind", "weak", "lazy", "export"}
	for i, w := range want {
		got, err := info.stream(data, i)
		if err != nil {
			t.Fatalf("stream(%d) error = %v", i, err)
		}
		if string(got) != w {
			t.Errorf("stream(%d) = %q, want %q", i, got, w)
		}
	}
	info[1] = [2]uint32{20, 8}
	if _, err := info.stream(data, 1); err == nil {
		t.Error("stream() accepted a range past the end of the file")
	}
}

func TestParseRejectsNonMachO(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not a macho file at all")} {
		if _, err := Parse(data); err == nil {
			t.Errorf("Parse(%q) succeeded", data)
		}
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(t.TempDir() + "/missing.dylib"); err == nil {
		t.Error("Open() succeeded on a missing file")
	}
}
