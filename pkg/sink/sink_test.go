package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/rs/zerolog"
)

func profile(t *testing.T, userName string, followers int64) record.Record {
	t.Helper()
	r, err := record.New(map[record.Field]record.Value{
		record.FieldID:        record.String("VXNlcjo" + userName),
		record.FieldVerified:  record.Bool(followers > 100),
		record.FieldFollowers: record.Int(followers),
		record.FieldBio:       record.String("bio, with \"quotes\"\nand a newline"),
		record.FieldUserName:  record.String(userName),
	})
	if err != nil {
		t.Fatalf("record.New() error = %v", err)
	}
	return r
}

// openBackends returns a fresh sink per backend, rooted in a temp dir.
func openBackends(t *testing.T) map[Backend]func() Sink {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	open := func(b Backend, name string) func() Sink {
		return func() Sink {
			s, err := Open(ctx, b, filepath.Join(dir, name), zerolog.Nop())
			if err != nil {
				t.Fatalf("Open(%s) error = %v", b, err)
			}
			return s
		}
	}
	return map[Backend]func() Sink{
		BackendCSV:    open(BackendCSV, "profiles.csv"),
		BackendSQLite: open(BackendSQLite, "profiles.db"),
	}
}

func names(t *testing.T, s Sink) []string {
	t.Helper()
	recs, err := s.Records(context.Background())
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.UserName()
	}
	return out
}

func TestSink_AppendAcrossReopen(t *testing.T) {
	ctx := context.Background()
	for backend, open := range openBackends(t) {
		t.Run(string(backend), func(t *testing.T) {
			s := open()
			n, err := s.Append(ctx, []record.Record{profile(t, "alice", 10), profile(t, "bob", 200)})
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if n != 2 {
				t.Errorf("Append() wrote %d, want 2", n)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			s = open()
			defer s.Close()
			if _, err := s.Append(ctx, []record.Record{profile(t, "dave", 5)}); err != nil {
				t.Fatalf("Append() after reopen error = %v", err)
			}

			got := strings.Join(names(t, s), ",")
			if got != "alice,bob,dave" {
				t.Errorf("stored = %s, want alice,bob,dave", got)
			}

			ids, err := s.Identifiers(ctx)
			if err != nil {
				t.Fatalf("Identifiers() error = %v", err)
			}
			if ids.Len() != 3 || !ids.Has("bob") {
				t.Errorf("Identifiers() = %v, want alice, bob, dave", ids)
			}
		})
	}
}

func TestSink_RefusesDuplicates(t *testing.T) {
	ctx := context.Background()
	for backend, open := range openBackends(t) {
		t.Run(string(backend), func(t *testing.T) {
			s := open()
			defer s.Close()

			if _, err := s.Append(ctx, []record.Record{profile(t, "alice", 1)}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			n, err := s.Append(ctx, []record.Record{
				profile(t, "alice", 2),
				profile(t, "bob", 3),
				profile(t, "bob", 4),
			})
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if n != 1 {
				t.Errorf("Append() wrote %d, want 1", n)
			}

			got := strings.Join(names(t, s), ",")
			if got != "alice,bob" {
				t.Errorf("stored = %s, want alice,bob", got)
			}
		})
	}
}

func TestSink_SchemaConformance(t *testing.T) {
	ctx := context.Background()
	for backend, open := range openBackends(t) {
		t.Run(string(backend), func(t *testing.T) {
			s := open()
			defer s.Close()

			in := profile(t, "alice", 150)
			if _, err := s.Append(ctx, []record.Record{in}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			recs, err := s.Records(ctx)
			if err != nil {
				t.Fatalf("Records() error = %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("Records() returned %d rows, want 1", len(recs))
			}
			row := recs[0].Row()
			want := in.Row()
			for i, f := range record.Fields {
				if row[i] != want[i] {
					t.Errorf("%s = %q, want %q", f, row[i], want[i])
				}
			}
			if row[record.IndexOf(record.FieldVerified)] != "True" {
				t.Errorf("verified = %q, want True", row[record.IndexOf(record.FieldVerified)])
			}
			if row[record.IndexOf(record.FieldLocation)] != "" {
				t.Errorf("location = %q, want empty", row[record.IndexOf(record.FieldLocation)])
			}
		})
	}
}

func TestSink_Overwrite(t *testing.T) {
	ctx := context.Background()
	for backend, open := range openBackends(t) {
		t.Run(string(backend), func(t *testing.T) {
			s := open()
			defer s.Close()

			if _, err := s.Append(ctx, []record.Record{profile(t, "alice", 1), profile(t, "bob", 2)}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if err := s.Overwrite(ctx, []record.Record{profile(t, "erin", 9)}); err != nil {
				t.Fatalf("Overwrite() error = %v", err)
			}

			if got := strings.Join(names(t, s), ","); got != "erin" {
				t.Errorf("stored = %s, want erin", got)
			}
			ids, _ := s.Identifiers(ctx)
			if ids.Has("alice") {
				t.Error("Identifiers() still contains overwritten alice")
			}
		})
	}
}

func TestCSV_SingleHeaderWithBOM(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "all_profiles.csv")

	for i, name := range []string{"alice", "bob", "carol"} {
		s, err := NewCSV(path, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewCSV() run %d error = %v", i, err)
		}
		if _, err := s.Append(ctx, []record.Record{profile(t, name, int64(i))}); err != nil {
			t.Fatalf("Append() run %d error = %v", i, err)
		}
		s.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(data, utf8BOM) {
		t.Error("table does not start with a UTF-8 BOM")
	}
	header := strings.Join(record.Header(), ",")
	if c := strings.Count(string(data), header); c != 1 {
		t.Errorf("header appears %d times, want 1", c)
	}
}

func TestCSV_EmptyAppendCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all_profiles.csv")
	s, err := NewCSV(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	if _, err := s.Append(context.Background(), nil); err != nil {
		t.Fatalf("Append(nil) error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := string(utf8BOM) + strings.Join(record.Header(), ",") + "\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestCSV_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all_profiles.csv")
	if err := os.WriteFile(path, []byte("handle,followers\nalice,3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewCSV(path, zerolog.Nop())
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("NewCSV() error = %v, want ErrSchemaMismatch", err)
	}
}

func TestCSV_ClosedSinkRejectsWrites(t *testing.T) {
	s, err := NewCSV(filepath.Join(t.TempDir(), "all_profiles.csv"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	s.Close()

	if _, err := s.Append(context.Background(), []record.Record{profile(t, "alice", 1)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close error = %v, want ErrClosed", err)
	}
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	_, err := Open(context.Background(), "parquet", filepath.Join(t.TempDir(), "x"), zerolog.Nop())
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("Open() error = %v, want ErrUnsupportedBackend", err)
	}
}

func TestCSV_RepairsTrailingRow(t *testing.T) {
	var full bytes.Buffer
	if err := writeRows(&full, []record.Record{profile(t, "dave", 5)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		tail string
		want []string
	}{
		{"partial unquoted row", "VXNlcjo,,,,plain bio,1,2", []string{"alice", "bob", "carol"}},
		{"open quoted field", `VXNlcjo,,,,"says ""h`, []string{"alice", "bob", "carol"}},
		{"open quoted field across lines", "VXNlcjo,,,,\"line one\nline", []string{"alice", "bob", "carol"}},
		{"full row without line break", strings.TrimSuffix(full.String(), "\n"), []string{"alice", "dave", "bob", "carol"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "all_profiles.csv")

			s, err := NewCSV(path, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewCSV() error = %v", err)
			}
			if _, err := s.Append(ctx, []record.Record{profile(t, "alice", 1)}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			s.Close()

			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.WriteString(tt.tail); err != nil {
				t.Fatal(err)
			}
			f.Close()

			s, err = NewCSV(path, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewCSV() over damaged tail error = %v", err)
			}
			if _, err := s.Append(ctx, []record.Record{profile(t, "bob", 2), profile(t, "carol", 3)}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			s.Close()

			s, err = NewCSV(path, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewCSV() after append error = %v", err)
			}
			if got := names(t, s); strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("rows = %v, want %v", got, tt.want)
			}
			done, err := s.Identifiers(ctx)
			if err != nil {
				t.Fatalf("Identifiers() error = %v", err)
			}
			for _, id := range tt.want {
				if !done.Has(identifier.ID(id)) {
					t.Errorf("Identifiers() missing %s", id)
				}
			}
			if done.Len() != len(tt.want) {
				t.Errorf("Identifiers() = %d ids, want %d", done.Len(), len(tt.want))
			}
		})
	}
}
