package heal

import (
	"bytes"
	"testing"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/faultinject"
	"github.com/FocuswithJustin/PageHealer/core/page"
)

func TestIntrinsicFreeSpace(t *testing.T) {
	healthy := testPage(t, 4)
	buf := bytes.Clone(healthy)
	h := page.HeaderOf(buf)
	for i := int(h.Lower()); i < int(h.Upper()); i += 97 {
		buf[i] = 0xFF
	}
	if checksum.Verify(buf, 4) {
		t.Fatal("corrupted page still verifies")
	}

	res := Intrinsic(buf, 4, page.KindTable)
	if res.Found == 0 || res.Found != res.Fixed {
		t.Errorf("Intrinsic() = %+v", res)
	}
	if !checksum.Verify(buf, 4) {
		t.Error("page does not verify after intrinsic repair")
	}
	if !bytes.Equal(buf, healthy) {
		t.Error("page differs from the healthy original")
	}
}

func TestIntrinsicSizeVersion(t *testing.T) {
	tests := []struct {
		name      string
		value     uint16
		wantFound int
	}{
		{"version only", 0x207B, 1},
		{"size only", 0x1004, 1},
		{"both", 0x1234, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy := testPage(t, 0)
			buf := bytes.Clone(healthy)
			page.HeaderOf(buf).SetPageSizeVersion(tt.value)

			res := Intrinsic(buf, 0, page.KindTable)
			if res.Found != tt.wantFound || res.Fixed != tt.wantFound {
				t.Errorf("Intrinsic() = %+v, want %d found and fixed", res, tt.wantFound)
			}
			if got := page.HeaderOf(buf).PageSizeVersion(); got != 0x2004 {
				t.Errorf("PageSizeVersion() = %#x, want 0x2004", got)
			}
			if !checksum.Verify(buf, 0) {
				t.Error("page does not verify after repair")
			}
		})
	}
}

func TestIntrinsicFaultKinds(t *testing.T) {
	for _, kind := range []faultinject.Kind{faultinject.KindFreeSpace, faultinject.KindPageSizeVersion, faultinject.KindSpecial} {
		t.Run(string(kind), func(t *testing.T) {
			healthy := testPage(t, 2)
			buf := bytes.Clone(healthy)
			if err := faultinject.Apply(buf, kind); err != nil {
				t.Fatal(err)
			}
			Intrinsic(buf, 2, page.KindTable)
			if !bytes.Equal(buf, healthy) {
				t.Errorf("%s damage not undone", kind)
			}
		})
	}
}

func TestIntrinsicSpecialOnlyForTables(t *testing.T) {
	buf := testPage(t, 0)
	page.HeaderOf(buf).SetSpecial(8000)

	res := Intrinsic(bytes.Clone(buf), 0, page.KindIndex)
	if res.Found != 0 {
		t.Errorf("Intrinsic() on an index = %+v, want no problems", res)
	}

	res = Intrinsic(buf, 0, page.KindTable)
	if res.Found != 1 || page.HeaderOf(buf).Special() != testPageSize {
		t.Errorf("Intrinsic() on a table = %+v, special = %d", res, page.HeaderOf(buf).Special())
	}
}

func TestIntrinsicInconsistentBounds(t *testing.T) {
	buf := testPage(t, 0)
	h := page.HeaderOf(buf)
	h.SetLower(h.Upper() + 8)
	buf[int(h.Upper())+2] = 0x55
	before := bytes.Clone(buf)

	res := Intrinsic(buf, 0, page.KindTable)
	if res.Found != 0 {
		t.Errorf("Intrinsic() = %+v, want no problems", res)
	}
	if !bytes.Equal(buf, before) {
		t.Error("Intrinsic() modified a page with inconsistent bounds")
	}
}

func TestIntrinsicCannotFixLSN(t *testing.T) {
	buf := testPage(t, 0)
	if err := faultinject.Apply(buf, faultinject.KindLSN); err != nil {
		t.Fatal(err)
	}
	res := Intrinsic(buf, 0, page.KindTable)
	if res.Found != 0 {
		t.Errorf("Intrinsic() = %+v, want no problems", res)
	}
	if checksum.Verify(buf, 0) {
		t.Error("LSN damage should not verify")
	}
}
