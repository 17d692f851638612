package main

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/sentinel/internal/sentinelerr"
)

func TestExitCodeForMapsErrorKindsToDocumentedCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"context cancelled", context.Canceled, 130},
		{"config error", sentinelerr.New(sentinelerr.KindConfig, "bad yaml"), 1},
		{"missing prerequisite", sentinelerr.New(sentinelerr.KindPrerequisiteMissing, "no firecracker binary"), 2},
		{"bus unreachable", sentinelerr.New(sentinelerr.KindBusFatal, "dial failed"), 3},
		{"state store unreachable", sentinelerr.New(sentinelerr.KindStateFatal, "open failed"), 3},
		{"cancelled kind", sentinelerr.New(sentinelerr.KindCancelled, "shutdown"), 130},
		{"unclassified error", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Errorf("%s: exitCodeFor = %d, want %d", tc.name, got, tc.want)
		}
	}
}
