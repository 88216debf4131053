package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codes struct {
	SysCode string `json:"syscode" validate:"required,hex=8"`
	RegCode string `validate:"hex=8"`
	Mode    string `json:"mode" validate:"oneof=read|clear"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		in      codes
		wantErr string
	}{
		{"valid", codes{SysCode: "DEADBEEF", RegCode: "0badc0de", Mode: "read"}, ""},
		{"optional empty", codes{SysCode: "DEADBEEF"}, ""},
		{"missing", codes{}, "syscode: field is required"},
		{"short", codes{SysCode: "DEAD"}, "syscode: must be exactly 8 hex digits"},
		{"not hex", codes{SysCode: "DEADBEEZ"}, "syscode: must be exactly 8 hex digits"},
		{"untagged name", codes{SysCode: "DEADBEEF", RegCode: "0BADC0"}, "regcode: must be exactly 8 hex digits"},
		{"oneof", codes{SysCode: "DEADBEEF", Mode: "wipe"}, "mode: must be one of read, clear"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.in)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestValidateRejectsNonStruct(t *testing.T) {
	assert.Error(t, NewValidator().Validate("DEADBEEF"))
}
