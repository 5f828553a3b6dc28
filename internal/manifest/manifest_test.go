package manifest

import (
	"bytes"
	"testing"
	"time"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

func TestDecodeCurrentFormat(t *testing.T) {
	data := []byte(`{
  "albums": {
    "normal": [],
    "vehicles": [
      {"path": "vehicles/vehicles_1700000000000_truck.png", "createdAt": "2023-11-14T22:13:20Z"}
    ]
  }
}`)
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.Albums) != 2 {
		t.Fatalf("expected 2 albums, got %d", len(m.Albums))
	}
	recs := m.Albums["vehicles"]
	if len(recs) != 1 {
		t.Fatalf("expected 1 record in vehicles, got %d", len(recs))
	}
	if recs[0].Path != "vehicles/vehicles_1700000000000_truck.png" {
		t.Errorf("unexpected path %q", recs[0].Path)
	}
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if !recs[0].CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", recs[0].CreatedAt, want)
	}
}

func TestDecodeLegacyFormat(t *testing.T) {
	data := []byte(`{"images": [
  {"path": "normal/normal_1_a.png", "createdAt": "2023-01-01T00:00:00Z"},
  {"path": "normal/normal_2_b.png", "createdAt": "2023-01-02T00:00:00Z"}
]}`)
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.Albums) != 1 {
		t.Fatalf("expected only the reserved album, got %v", m.AlbumNames())
	}
	recs := m.Albums[ReservedAlbum]
	if len(recs) != 2 {
		t.Fatalf("expected 2 migrated records, got %d", len(recs))
	}
	if recs[0].Path != "normal/normal_1_a.png" || recs[1].Path != "normal/normal_2_b.png" {
		t.Errorf("migration lost record order: %+v", recs)
	}
}

func TestDecodeEmptyObject(t *testing.T) {
	m, err := Decode([]byte(`{}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.Albums) != 1 || len(m.Albums[ReservedAlbum]) != 0 {
		t.Errorf("expected bootstrap manifest, got %+v", m.Albums)
	}
}

func TestDecodeNullAlbums(t *testing.T) {
	m, err := Decode([]byte(`{"albums": null}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := m.Albums[ReservedAlbum]; !ok {
		t.Error("reserved album missing after decoding null albums")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"truncated JSON", `{"albums": {"normal": [`},
		{"not an object", `[1, 2, 3]`},
		{"bare string", `"hello"`},
		{"unknown keys only", `{"buckets": {}}`},
		{"albums wrong type", `{"albums": ["a", "b"]}`},
		{"images wrong type", `{"images": {"a": 1}}`},
		{"numeric createdAt", `{"albums": {"normal": [{"path": "normal/a.png", "createdAt": 1700000000}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if err == nil {
				t.Fatal("expected an error")
			}
			if apierr.KindOf(err) != apierr.KindCorruptManifest {
				t.Errorf("kind = %q, want %q", apierr.KindOf(err), apierr.KindCorruptManifest)
			}
		})
	}
}

func TestDecodeEnsuresReservedAlbum(t *testing.T) {
	m, err := Decode([]byte(`{"albums": {"coal": []}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := m.Albums[ReservedAlbum]; !ok {
		t.Error("reserved album not added to decoded manifest")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	rec := ImageRecord{Path: "coal/coal_1_seam.png", CreatedAt: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)}

	a := New()
	a.Albums["coal"] = []ImageRecord{rec}
	a.Albums["vehicles"] = []ImageRecord{}

	b := &Manifest{Albums: map[string][]ImageRecord{
		"vehicles":    {},
		"coal":        {rec},
		ReservedAlbum: {},
	}}

	ea, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	eb, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(ea, eb) {
		t.Errorf("equal manifests encoded differently:\n%s\n---\n%s", ea, eb)
	}
	if ea[len(ea)-1] != '\n' {
		t.Error("encoded manifest should end with a newline")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"imgA", "imga"},
		{"My Photo (1)", "my-photo-1"},
		{"Coal & Ore", "coal-ore"},
		{"  spaces  ", "spaces"},
		{"already-a-slug", "already-a-slug"},
		{"UPPER_case_123", "upper-case-123"},
		{"---", ""},
		{"", ""},
		{"héllo", "h-llo"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsSlug(t *testing.T) {
	for _, ok := range []string{"normal", "coal-carts", "a1"} {
		if !IsSlug(ok) {
			t.Errorf("IsSlug(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "Coal", "two words", "-leading"} {
		if IsSlug(bad) {
			t.Errorf("IsSlug(%q) = true, want false", bad)
		}
	}
}

func TestBlobPath(t *testing.T) {
	cases := []struct {
		album string
		ts    int64
		name  string
		want  string
	}{
		{"normal", 1700000000000, "imgA.jpg", "normal/normal_1700000000000_imga.jpg"},
		{"vehicles", 42, "My Truck.JPG", "vehicles/vehicles_42_my-truck.jpg"},
		{"coal", 7, "no-extension", "coal/coal_7_no-extension"},
		{"coal", 7, "...png", "coal/coal_7_image.png"},
		{"coal", 7, "(((.gif", "coal/coal_7_image.gif"},
	}
	for _, tc := range cases {
		if got := BlobPath(tc.album, tc.ts, tc.name); got != tc.want {
			t.Errorf("BlobPath(%q, %d, %q) = %q, want %q", tc.album, tc.ts, tc.name, got, tc.want)
		}
	}
}

func TestAlbumNamesSorted(t *testing.T) {
	m := New()
	m.Albums["zinc"] = []ImageRecord{}
	m.Albums["adit"] = []ImageRecord{}
	got := m.AlbumNames()
	want := []string{"adit", "normal", "zinc"}
	if len(got) != len(want) {
		t.Fatalf("AlbumNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AlbumNames() = %v, want %v", got, want)
		}
	}
}

func TestFindRecord(t *testing.T) {
	m := New()
	m.Albums["coal"] = []ImageRecord{
		{Path: "coal/coal_1_a.png"},
		{Path: "coal/coal_2_b.png"},
	}
	if i := m.FindRecord("coal", "coal/coal_2_b.png"); i != 1 {
		t.Errorf("FindRecord = %d, want 1", i)
	}
	if i := m.FindRecord("coal", "coal/coal_9_z.png"); i != -1 {
		t.Errorf("FindRecord for unknown path = %d, want -1", i)
	}
	if i := m.FindRecord("zinc", "coal/coal_1_a.png"); i != -1 {
		t.Errorf("FindRecord for unknown album = %d, want -1", i)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m.Albums["coal"] = []ImageRecord{{Path: "coal/coal_1_a.png"}}
	c := m.Clone()
	c.Albums["coal"][0].Path = "changed"
	c.Albums["new"] = []ImageRecord{}
	if m.Albums["coal"][0].Path != "coal/coal_1_a.png" {
		t.Error("mutating the clone changed the original record")
	}
	if _, ok := m.Albums["new"]; ok {
		t.Error("mutating the clone added an album to the original")
	}
}
