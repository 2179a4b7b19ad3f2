package resource

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/anchor/pkg/fault"
)

const yamlManifest = `
apiVersion: anchor.yairfalse.io/v1
kind: ec2.SecurityGroup
metadata:
  name: ec2.SecurityGroup:prod:us-east-1:keel
spec:
  application: keel
  name: keel
  accountName: prod
  region: us-east-1
`

func TestDecode_YAML(t *testing.T) {
	r, err := Decode([]byte(yamlManifest))
	require.NoError(t, err)

	assert.Equal(t, "ec2.SecurityGroup", r.Kind)
	assert.Equal(t, Name("ec2.SecurityGroup:prod:us-east-1:keel"), r.Name())

	var spec map[string]string
	require.NoError(t, r.DecodeSpec(&spec))
	assert.Equal(t, "keel", spec["application"])
	assert.Equal(t, "us-east-1", spec["region"])
}

func TestDecode_JSON(t *testing.T) {
	body := `{"apiVersion":"anchor.yairfalse.io/v1","kind":"ec2.SecurityGroup","metadata":{"name":"sg-web","resourceVersion":3},"spec":{"name":"web"}}`

	r, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Metadata.ResourceVersion)
	assert.JSONEq(t, `{"name":"web"}`, string(r.Spec))
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing kind", `{"apiVersion":"v1","metadata":{"name":"a"},"spec":{}}`},
		{"missing name", `{"apiVersion":"v1","kind":"k","metadata":{},"spec":{}}`},
		{"slash in name", `{"apiVersion":"v1","kind":"k","metadata":{"name":"a/b"},"spec":{}}`},
		{"missing spec", `{"apiVersion":"v1","kind":"k","metadata":{"name":"a"}}`},
		{"bad uid", `{"apiVersion":"v1","kind":"k","metadata":{"name":"a","uid":"nope"},"spec":{}}`},
		{"not a document", `[1, 2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, fault.IsInvalid(err))
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	r, err := New("ec2.SecurityGroup", "sg-web", map[string]any{"name": "web", "region": "eu-west-1"})
	require.NoError(t, err)

	for _, asYAML := range []bool{true, false} {
		data, err := Encode(r, asYAML)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, r.Kind, decoded.Kind)
		assert.Equal(t, r.Name(), decoded.Name())
		assert.JSONEq(t, string(r.Spec), string(decoded.Spec))
	}
}

func TestIsYAML(t *testing.T) {
	assert.True(t, IsYAML("application/x-yaml"))
	assert.True(t, IsYAML("application/yaml; charset=utf-8"))
	assert.True(t, IsYAML("text/yaml"))
	assert.False(t, IsYAML("application/json"))
	assert.False(t, IsYAML(""))
}

func TestDiffer(t *testing.T) {
	var d Differ
	d.Compare("description", "web tier", "web tier")
	assert.Nil(t, d.Changes())

	d.Compare("description", "web tier", "legacy")
	require.Len(t, d.Changes(), 1)
	assert.Equal(t, Change{Field: "description", Desired: "web tier", Current: "legacy"}, d.Changes()[0])
}

func TestEventType_Valid(t *testing.T) {
	assert.True(t, EventCreate.Valid())
	assert.True(t, EventUpdate.Valid())
	assert.True(t, EventDelete.Valid())
	assert.False(t, EventType("PATCH").Valid())
}

func TestEvent_JSON(t *testing.T) {
	r, err := New("k", "n", map[string]int{"a": 1})
	require.NoError(t, err)

	data, err := json.Marshal(NewEvent(EventDelete, r))
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, Name("n"), ev.Resource.Name())
}
