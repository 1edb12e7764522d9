package capture

import (
	"context"
	"errors"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{}
	ctx := context.Background()

	if err := v.Verify(ctx, "pay_anything", 100_00, "USD"); err != nil {
		t.Errorf("non-empty reference: %v", err)
	}
	if err := v.Verify(ctx, "", 100_00, "USD"); !errors.Is(err, ErrNotCaptured) {
		t.Errorf("empty reference: got %v, want ErrNotCaptured", err)
	}
}
