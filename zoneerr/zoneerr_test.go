package zoneerr

import (
	"fmt"
	"testing"
)

func TestClassifyMapsSentinelsToKind(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ZoneNotFound, KindZoneNotFound},
		{ZoneAlreadyExists, KindZoneAlreadyExists},
		{OperationNotSupported, KindOperationNotSupported},
		{fmt.Errorf("wrapped: %w", ConversionRejected), KindConversionRejected},
		{fmt.Errorf("plain"), KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
