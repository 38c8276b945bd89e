package idcode

import "testing"

func TestParseIDCode(t *testing.T) {
	tests := []struct {
		raw     uint32
		version uint8
		part    uint16
		mfg     uint16
		bank    uint8
		name    string
	}{
		{0x4BA00477, 0x4, 0xBA00, 0x23B, 4, "ARM Ltd"},
		{0x06413041, 0x0, 0x6413, 0x020, 0, "STMicroelectronics"},
		{0x13631093, 0x1, 0x3631, 0x049, 0, "Xilinx"},
		{0x41111043, 0x4, 0x1111, 0x021, 0, "Lattice Semiconductor"},
		{0x020F30DD, 0x0, 0x20F3, 0x06E, 0, "Altera"},
		{0x0900281B, 0x0, 0x9002, 0x40D, 8, "Gowin Semiconductor"},
	}
	for _, tt := range tests {
		id := ParseIDCode(tt.raw)
		if id.Version != tt.version || id.PartNumber != tt.part || id.ManufacturerCode != tt.mfg {
			t.Errorf("ParseIDCode(%#x) = %+v", tt.raw, id)
		}
		if id.Bank() != tt.bank {
			t.Errorf("ParseIDCode(%#x).Bank() = %d, want %d", tt.raw, id.Bank(), tt.bank)
		}
		if !id.Valid() {
			t.Errorf("ParseIDCode(%#x).Valid() = false", tt.raw)
		}
		m, ok := LookupManufacturer(id.ManufacturerCode)
		if !ok || m.Name != tt.name || m.Code != tt.mfg {
			t.Errorf("LookupManufacturer(%#x) = %+v, %v", id.ManufacturerCode, m, ok)
		}
	}
}

func TestIDCodeValid(t *testing.T) {
	if ParseIDCode(0xFFFFFFFF).Valid() {
		t.Errorf("all ones accepted as IDCODE")
	}
	if ParseIDCode(0x4BA00476).Valid() {
		t.Errorf("even value accepted as IDCODE")
	}
}

func TestLookupUnknownManufacturer(t *testing.T) {
	m, ok := LookupManufacturer(0x0E1)
	if ok {
		t.Fatalf("LookupManufacturer(0x0e1) found %+v", m)
	}
	if m.Name != "Unknown (bank 1, id 0x61)" {
		t.Errorf("Name = %q", m.Name)
	}
}

func TestDescribe(t *testing.T) {
	got := Describe(0x149511C3)
	want := "manufacturer=0x0e1 (unknown) part=0x4951 version=0x1"
	if got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
	got = Describe(0x4BA00477)
	want = "manufacturer=0x23b (ARM Ltd) part=0xba00 version=0x4"
	if got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}
