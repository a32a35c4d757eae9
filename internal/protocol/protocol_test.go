package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zquestz/nexus/internal/nexuserr"
)

func TestVersionRoundTrip(t *testing.T) {
	v, err := ParseVersion("1.4.2")
	require.NoError(t, err)
	require.Equal(t, Version{Major: 1, Minor: 4, Patch: 2}, v)
	require.Equal(t, "1.4.2", v.String())
}

func TestParseVersionRejectsMalformed(t *testing.T) {
	for _, s := range []string{"1.4", "1.4.2.1", "a.b.c", "", "1..2"} {
		_, err := ParseVersion(s)
		require.Error(t, err, s)
	}
}

func TestCheckCompatibilitySameVersion(t *testing.T) {
	v := Version{1, 0, 0}
	require.NoError(t, CheckCompatibility(v, v))
}

func TestCheckCompatibilityMajorMismatch(t *testing.T) {
	client := Version{2, 0, 0}
	server := Version{1, 0, 0}
	err := CheckCompatibility(client, server)
	require.Equal(t, nexuserr.KindVersionMajorMismatch, errKind(t, err))
}

func TestCheckCompatibilityClientTooNew(t *testing.T) {
	client := Version{1, 5, 0}
	server := Version{1, 4, 0}
	err := CheckCompatibility(client, server)
	require.Equal(t, nexuserr.KindVersionClientTooNew, errKind(t, err))
}

func TestCheckCompatibilityOlderClientOK(t *testing.T) {
	client := Version{1, 2, 0}
	server := Version{1, 4, 0}
	require.NoError(t, CheckCompatibility(client, server))
}

func TestCheckCompatibilityClientTooNewPatchOnly(t *testing.T) {
	client := Version{1, 4, 9}
	server := Version{1, 4, 1}
	err := CheckCompatibility(client, server)
	require.Equal(t, nexuserr.KindVersionClientTooNew, errKind(t, err))
}

func errKind(t *testing.T, err error) nexuserr.Kind {
	t.Helper()
	require.Error(t, err)
	var ne *nexuserr.Error
	require.True(t, errors.As(err, &ne))
	return ne.Kind
}

func TestEncodeDecodeHandshakeRoundTrip(t *testing.T) {
	req := HandshakeRequest{
		Type:          TypeHandshake,
		ClientVersion: "1.0.0",
		Features:      []string{"avatars", "topics"},
		Locale:        "en-US",
	}
	encoded, err := Encode(req)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(encoded), "\n"))

	env, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	require.Equal(t, TypeHandshake, env.Type)

	var decoded HandshakeRequest
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, req, decoded)
}

func TestEncodeDecodeErrorFrameRoundTrip(t *testing.T) {
	frame := ErrorFrame{
		Type:    TypeError,
		Kind:    "username-invalid",
		Params:  map[string]string{"maxLength": "32"},
		Message: "That username is not valid.",
	}
	encoded, err := Encode(frame)
	require.NoError(t, err)

	var decoded ErrorFrame
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, frame, decoded)
}

func TestReadFrameRejectsOversizedLine(t *testing.T) {
	huge := bytes.Repeat([]byte("a"), MaxFrameLength+1)
	huge = append(huge, '\n')
	r := bufio.NewReaderSize(bytes.NewReader(huge), MaxFrameLength+4096)

	_, err := ReadFrame(r)
	require.Error(t, err)
}

func TestReadFrameAcceptsWithinLimit(t *testing.T) {
	line := append([]byte(`{"type":"topic_get"}`), '\n')
	r := bufio.NewReader(bytes.NewReader(line))

	got, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, line, got)
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"foo":"bar"}`))
	require.Error(t, err)
}

func TestDecodeEnvelopeRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}
