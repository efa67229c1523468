package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServiceRegistry_Call(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())

	var got ServiceCall
	r.Register("cover", "open_cover", func(ctx context.Context, call ServiceCall) error {
		got = call
		return nil
	})

	assert.True(t, r.Has("cover", "open_cover"))
	assert.False(t, r.Has("cover", "stop_cover"))
	assert.Equal(t, []string{"open_cover"}, r.Services("cover"))

	err := r.Call(context.Background(), "cover", "open_cover", map[string]interface{}{"entity_id": "cover.home"})
	require.NoError(t, err)
	assert.Equal(t, "cover", got.Domain)
	assert.Equal(t, "open_cover", got.Service)
	assert.Equal(t, "cover.home", got.Data["entity_id"])

	err = r.Call(context.Background(), "cover", "stop_cover", nil)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestServiceRegistry_Observer(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())
	failure := errors.New("boom")
	r.Register("cover", "close_cover", func(ctx context.Context, call ServiceCall) error { return failure })

	var observed []error
	r.SetObserver(func(domain, service string, err error) {
		observed = append(observed, err)
	})

	assert.ErrorIs(t, r.Call(context.Background(), "cover", "close_cover", nil), failure)
	assert.ErrorIs(t, r.Call(context.Background(), "cover", "missing", nil), ErrServiceNotFound)

	require.Len(t, observed, 2)
	assert.ErrorIs(t, observed[0], failure)
	assert.ErrorIs(t, observed[1], ErrServiceNotFound)
}

func TestServiceCall_EntityIDs(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]interface{}
		want    []string
		wantErr bool
	}{
		{"string", map[string]interface{}{"entity_id": "cover.home"}, []string{"cover.home"}, false},
		{"string list", map[string]interface{}{"entity_id": []string{"cover.a", "cover.b"}}, []string{"cover.a", "cover.b"}, false},
		{"json list", map[string]interface{}{"entity_id": []interface{}{"cover.a"}}, []string{"cover.a"}, false},
		{"missing", map[string]interface{}{}, nil, true},
		{"wrong type", map[string]interface{}{"entity_id": 42}, nil, true},
		{"mixed list", map[string]interface{}{"entity_id": []interface{}{"cover.a", 1}}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := ServiceCall{Data: tt.data}.EntityIDs()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidServiceData)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}
