package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFatal(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", cause, false},
		{"dangling", &DanglingReferenceError{Op: "absorb", NodeID: "n1"}, true},
		{"wrapped dangling", fmt.Errorf("merge: %w", &DanglingReferenceError{Op: "absorb", NodeID: "n1"}), true},
		{"name conflict", &NameConflictError{Name: "acme", Owner: "n1", Claimant: "n2"}, true},
		{"extraction", &ExtractionFailure{ChunkID: "c1", Err: cause}, false},
		{"duplicate", &DuplicateDocumentError{Hash: "h", Name: "a.txt", DocumentID: "d1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestFailuresUnwrap(t *testing.T) {
	cause := errors.New("rate limited")
	errs := []error{
		&ExtractionFailure{ChunkID: "c1", Err: cause},
		&DisambiguationFailure{Cluster: []string{"a", "b"}, Err: cause},
		&RerankFailure{Cluster: []string{"a"}, Err: cause},
		&PartitionFailure{Level: 1, Err: cause},
	}
	for _, err := range errs {
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "rate limited")
	}
}

func TestDuplicateDocumentError_As(t *testing.T) {
	err := fmt.Errorf("build: %w", &DuplicateDocumentError{Hash: "abc", Name: "a.txt", DocumentID: "d1"})

	var dup *DuplicateDocumentError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "d1", dup.DocumentID)
	assert.Contains(t, err.Error(), `"a.txt"`)
}
