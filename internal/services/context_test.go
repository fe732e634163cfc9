package services_test

import (
	"context"
	"testing"

	"zeroflash/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithDevice(ctx, "ABC123")
	ctx = services.WithOperation(ctx, "full-update")
	ctx = services.WithStage(ctx, "saving-backup")
	ctx = services.WithRequestID(ctx, "req-123")

	if serial, ok := services.DeviceFromContext(ctx); !ok || serial != "ABC123" {
		t.Fatalf("unexpected device: %v %v", serial, ok)
	}
	if op, ok := services.OperationFromContext(ctx); !ok || op != "full-update" {
		t.Fatalf("unexpected operation: %v %v", op, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "saving-backup" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	if services.WithStage(ctx, "") != ctx {
		t.Fatal("expected blank stage to return original context")
	}
	if services.WithDevice(ctx, "") != ctx {
		t.Fatal("expected blank device to return original context")
	}
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage")
	}
}
