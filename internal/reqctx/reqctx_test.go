package reqctx

import (
	"context"
	"testing"
)

func TestCarrierRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Fatalf("expected empty RequestID on bare context")
	}

	c := Carrier{RequestID: "r1", OperationID: "op1", SessionID: "s1"}
	var seen Carrier
	RunWithCarrier(ctx, c, func(ctx context.Context) {
		seen = FromContext(ctx)
	})
	if seen != c {
		t.Fatalf("FromContext = %+v, want %+v", seen, c)
	}
}

func TestNestedChildInherits(t *testing.T) {
	ctx := WithCarrier(context.Background(), Carrier{RequestID: "outer"})
	child := context.WithValue(ctx, struct{}{}, "unrelated")
	if RequestID(child) != "outer" {
		t.Fatalf("child context lost ambient carrier")
	}
}
