package relay

import (
	"errors"
	"fmt"
	"testing"

	"call-signaling/internal/calls"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNewPostgresStore_RequiresDB(t *testing.T) {
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestStoreErr(t *testing.T) {
	other := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), calls.ErrDuplicate},
		{"foreign key", &pgconn.PgError{Code: "23503"}, calls.ErrNotFound},
		{"other pg error", &pgconn.PgError{Code: "40001"}, nil},
		{"plain", other, other},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := storeErr(tc.err)
			if tc.want == nil {
				if got != tc.err {
					t.Fatalf("expected error passed through, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
