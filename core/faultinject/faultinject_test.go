package faultinject

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
)

const testPageSize = 8192

func healthyPage(t *testing.T, block uint32) []byte {
	t.Helper()
	buf, err := page.New(testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := page.AddItem(buf, bytes.Repeat([]byte("row-one!"), 4)); err != nil {
		t.Fatal(err)
	}
	checksum.Set(buf, block)
	return buf
}

func TestApply(t *testing.T) {
	tests := []struct {
		kind  Kind
		check func(t *testing.T, before, after []byte)
	}{
		{KindFreeSpace, func(t *testing.T, before, after []byte) {
			h := page.HeaderOf(before)
			if after[h.Lower()] != 87 || after[h.Upper()-1] != 88 {
				t.Error("free space markers missing")
			}
		}},
		{KindLSN, func(t *testing.T, before, after []byte) {
			for i := 0; i < 8; i++ {
				if after[i] != byte(42+i) {
					t.Errorf("lsn byte %d = %d", i, after[i])
				}
			}
		}},
		{KindSpecial, func(t *testing.T, before, after []byte) {
			if after[16] != 3 {
				t.Errorf("special low byte = %d, want 3", after[16])
			}
		}},
		{KindPageSizeVersion, func(t *testing.T, before, after []byte) {
			if after[18] != 123 {
				t.Errorf("pagesize_version low byte = %d, want 123", after[18])
			}
		}},
		{KindBadRow, func(t *testing.T, before, after []byte) {
			for i := 5; i <= 10; i++ {
				if after[testPageSize-i] != byte(12+i) {
					t.Errorf("byte %d = %d", testPageSize-i, after[testPageSize-i])
				}
			}
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			before := healthyPage(t, 0)
			after := bytes.Clone(before)
			if err := Apply(after, tt.kind); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			tt.check(t, before, after)
			if checksum.Verify(after, 0) {
				t.Error("page still verifies after corruption")
			}
		})
	}
}

func TestApplyUnknownKind(t *testing.T) {
	err := Apply(make([]byte, testPageSize), Kind("bitrot"))
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Apply() error = %v, want ErrInvalidInput", err)
	}
}

func TestParseKindAndKinds(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 5 || kinds[0] != KindBadRow {
		t.Errorf("Kinds() = %v", kinds)
	}
	for _, k := range kinds {
		if got, err := ParseKind(string(k)); err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
}

type fakeEvictor struct {
	evicted []page.RelFileLocator
}

func (f *fakeEvictor) EvictRelation(loc page.RelFileLocator) int {
	f.evicted = append(f.evicted, loc)
	return 1
}

func TestCorrupt(t *testing.T) {
	dir := t.TempDir()
	rel := filepath.Join(dir, "base", "1", "2")
	if err := os.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		t.Fatal(err)
	}
	data := append(healthyPage(t, 0), healthyPage(t, 1)...)
	if err := os.WriteFile(rel, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ev := &fakeEvictor{}
	in := &Injector{DataDir: dir, PageSize: testPageSize, Evictor: ev}

	if err := in.Corrupt("base/1/2", 1, KindLSN); !errors.Is(err, errors.ErrTestModeDisabled) {
		t.Fatalf("Corrupt() outside test mode error = %v", err)
	}
	if err := in.Evict("base/1/2"); !errors.Is(err, errors.ErrTestModeDisabled) {
		t.Fatalf("Evict() outside test mode error = %v", err)
	}

	in.TestMode = true
	if err := in.Corrupt("base/1/2", 1, KindLSN); err != nil {
		t.Fatalf("Corrupt() error = %v", err)
	}

	got, err := os.ReadFile(rel)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:testPageSize], data[:testPageSize]) {
		t.Error("block 0 was modified")
	}
	if checksum.Verify(got[testPageSize:], 1) {
		t.Error("block 1 still verifies")
	}
	if len(ev.evicted) != 1 || ev.evicted[0].RelNumber != 2 {
		t.Errorf("evicted = %+v", ev.evicted)
	}

	t.Run("past end", func(t *testing.T) {
		err := in.Corrupt("base/1/2", 5, KindLSN)
		var ioErr *errors.IOError
		if !errors.As(err, &ioErr) {
			t.Errorf("Corrupt() error = %v, want *IOError", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		if err := in.Corrupt("base/1/2", 0, Kind("nope")); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Corrupt() error = %v, want ErrInvalidInput", err)
		}
	})
}
