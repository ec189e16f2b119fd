package segmentation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    Value
		wantErr bool
	}{
		{`"Denmark"`, String("Denmark"), false},
		{`42.5`, Number(42.5), false},
		{`null`, Value{}, false},
		{`true`, String("true"), false},
		{`["Denmark", 7]`, List(String("Denmark"), Number(7)), false},
		{`[]`, List(), false},
		{`[[1, 2]]`, Value{}, true},
		{`{"a": 1}`, Value{}, true},
		{`[null]`, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v Value
			err := json.Unmarshal([]byte(tt.in), &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestSegmentCriteria_JSONShape(t *testing.T) {
	c := SegmentCriteria{
		ID:              "c2",
		Field:           "country",
		Operator:        OpIn,
		Value:           Strings("Denmark", "Norway"),
		LogicalOperator: LogicAnd,
	}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c2","field":"country","operator":"in","value":["Denmark","Norway"],"logicalOperator":"AND"}`, string(data))

	first := SegmentCriteria{ID: "c1", Field: "status", Operator: OpIsNull}
	data, err = json.Marshal(first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","field":"status","operator":"is_null","value":null}`, string(data))
}
