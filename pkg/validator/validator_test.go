package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testPayload struct {
	CalleeID string `json:"calleeId" validate:"required"`
	RoomID   string `json:"roomId" validate:"required"`
	Action   string `json:"action" validate:"omitempty,oneof=mute_audio mute_video remove"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testPayload{
		CalleeID: "alice",
		RoomID:   "room-1",
		Action:   "mute_audio",
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testPayload{
		Action: "explode",
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundRoom := false
	for _, v := range vErrs {
		if v.Field == "roomId" {
			foundRoom = true
		}
	}

	if !foundRoom {
		t.Fatal("expected roomId field to be present in validation errors")
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return fl.Field().String() != ""
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"roomid"`
	}

	if err := ValidateStruct(custom{Value: "room-1"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: ""}); err == nil {
		t.Fatal("expected validation to fail for empty value")
	}
}
