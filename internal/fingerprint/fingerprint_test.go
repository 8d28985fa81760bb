package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest() Request {
	return Request{
		Provider:        "gemini",
		Model:           "gemini-2.5-flash",
		TemplateID:      "assessment_question",
		TemplateVersion: "v2",
		Params: map[string]string{
			"framework":   "ISO27001",
			"question_id": "q-17",
		},
		ContextDigest: "abc123",
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	c := NewCanonicalizer()

	fp1, err := c.Fingerprint(baseRequest())
	require.NoError(t, err)

	fp2, err := c.Fingerprint(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1.String(), 64)
}

func TestFingerprint_ParamOrderIndependent(t *testing.T) {
	c := NewCanonicalizer()

	req1 := baseRequest()
	req1.Params = map[string]string{"a": "1", "b": "2", "c": "3"}

	req2 := baseRequest()
	req2.Params = map[string]string{"c": "3", "a": "1", "b": "2"}

	fp1, err := c.Fingerprint(req1)
	require.NoError(t, err)
	fp2, err := c.Fingerprint(req2)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestFingerprint_FieldSensitivity(t *testing.T) {
	c := NewCanonicalizer()
	base, err := c.Fingerprint(baseRequest())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"provider", func(r *Request) { r.Provider = "openai" }},
		{"model", func(r *Request) { r.Model = "gemini-2.5-pro" }},
		{"template id", func(r *Request) { r.TemplateID = "policy_summary" }},
		{"template version", func(r *Request) { r.TemplateVersion = "v3" }},
		{"param value", func(r *Request) { r.Params["framework"] = "GDPR" }},
		{"extra param", func(r *Request) { r.Params["extra"] = "x" }},
		{"context digest", func(r *Request) { r.ContextDigest = "def456" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			req.Params = map[string]string{
				"framework":   "ISO27001",
				"question_id": "q-17",
			}
			tt.mutate(&req)

			fp, err := c.Fingerprint(req)
			require.NoError(t, err)
			assert.NotEqual(t, base, fp)
		})
	}
}

func TestFingerprint_NoFieldBoundaryConfusion(t *testing.T) {
	c := NewCanonicalizer()

	req1 := baseRequest()
	req1.Params = map[string]string{"ab": "c"}

	req2 := baseRequest()
	req2.Params = map[string]string{"a": "bc"}

	fp1, err := c.Fingerprint(req1)
	require.NoError(t, err)
	fp2, err := c.Fingerprint(req2)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprint_InvalidRequest(t *testing.T) {
	c := NewCanonicalizer()

	req := baseRequest()
	req.TemplateID = ""
	_, err := c.Fingerprint(req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = baseRequest()
	req.Params = map[string]string{"": "value"}
	_, err = c.Fingerprint(req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequest_Endpoint(t *testing.T) {
	req := baseRequest()
	assert.Equal(t, "gemini:gemini-2.5-flash", req.Endpoint())

	req.Model = ""
	assert.Equal(t, "gemini", req.Endpoint())
}

func TestContextDigest(t *testing.T) {
	fields := map[string]string{
		"industry":       "healthcare",
		"employee_count": "medium",
		"handles_pii":    "true",
	}

	d1 := ContextDigest(fields)
	d2 := ContextDigest(map[string]string{
		"handles_pii":    "true",
		"industry":       "healthcare",
		"employee_count": "medium",
	})
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)

	fields["industry"] = "fintech"
	assert.NotEqual(t, d1, ContextDigest(fields))

	assert.Empty(t, ContextDigest(nil))
}
