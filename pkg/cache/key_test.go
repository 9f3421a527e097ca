package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "with source",
			key:  Key{Source: "http", ID: "alice"},
			want: "harvest:profile:http:alice",
		},
		{
			name: "without source",
			key:  Key{ID: "bob"},
			want: "harvest:profile:bob",
		},
		{
			name: "source is trimmed",
			key:  Key{Source: " page ", ID: "carol"},
			want: "harvest:profile:page:carol",
		},
		{
			name: "identifier case is kept",
			key:  Key{Source: "http", ID: "Dave"},
			want: "harvest:profile:http:Dave",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_SourcesDoNotCollide(t *testing.T) {
	a := Key{Source: "http", ID: "alice"}
	b := Key{Source: "page", ID: "alice"}
	if a.String() == b.String() {
		t.Errorf("keys for different sources collide: %s", a.String())
	}
}
