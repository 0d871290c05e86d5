package ctxutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestLookupsOnEmptyAndNilContexts(t *testing.T) {
	if GetTraceData(nil) != nil || GetRequestData(nil) != nil || UserID(nil) != uuid.Nil {
		t.Fatalf("nil context should yield zero values")
	}
	if GetTraceData(context.Background()) != nil {
		t.Fatalf("empty context should yield no trace data")
	}
}

func TestRoundTripValues(t *testing.T) {
	user := uuid.New()
	ctx := WithRequestData(nil, &RequestData{UserID: user})
	ctx = WithTraceData(ctx, &TraceData{TraceID: "t-1", RequestID: "r-1"})

	if UserID(ctx) != user {
		t.Fatalf("UserID: got %v want %v", UserID(ctx), user)
	}
	if td := GetTraceData(ctx); td == nil || td.TraceID != "t-1" || td.RequestID != "r-1" {
		t.Fatalf("GetTraceData: %+v", td)
	}
}
