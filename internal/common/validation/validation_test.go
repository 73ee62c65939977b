package validation_test

import (
	"errors"
	"testing"

	"delivery-core/internal/common/validation"
	"delivery-core/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Name     string `validate:"required,max=10"`
	Priority string `validate:"omitempty,oneof=low high"`
	Retries  int    `validate:"gte=0"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name      string
		req       request
		wantField string
		wantMsg   string
	}{
		{name: "valid", req: request{Name: "ok", Priority: "low"}},
		{name: "missing name", req: request{}, wantField: "request.Name", wantMsg: "is required"},
		{name: "name too long", req: request{Name: "abcdefghijk"}, wantField: "request.Name", wantMsg: "must be at most 10"},
		{name: "unknown priority", req: request{Name: "ok", Priority: "mid"}, wantField: "request.Priority", wantMsg: "must be one of [low high]"},
		{name: "negative retries", req: request{Name: "ok", Retries: -1}, wantField: "request.Retries", wantMsg: "must be at least 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.Struct(tt.req)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *entity.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantMsg, verr.Message)
		})
	}
}
