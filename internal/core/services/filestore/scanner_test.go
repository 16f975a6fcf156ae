package filestore

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/fileuri"
)

func rawBase64(size int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, size))
}

func dataURL(size int) string {
	return "data:image/png;base64," + rawBase64(size)
}

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestScan_ExtractDataURL(t *testing.T) {
	value := map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": "image/png",
			"data":       dataURL(2048),
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)
	assert.Equal(t, "image/png", files[0].MediaType)
	assert.Equal(t, 2048, files[0].Size)

	data := result.(map[string]any)["source"].(map[string]any)["data"].(string)
	assert.True(t, strings.HasPrefix(data, fileuri.Prefix))
}

func TestScan_ExtractRawBase64(t *testing.T) {
	value := map[string]any{
		"type": "image",
		"source": map[string]any{
			"bytes": rawBase64(2048),
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)
	assert.Empty(t, files[0].MediaType)

	data := result.(map[string]any)["source"].(map[string]any)["bytes"].(string)
	assert.True(t, strings.HasPrefix(data, fileuri.Prefix))
}

func TestScan_SkipSmallFiles(t *testing.T) {
	value := map[string]any{
		"source": map[string]any{"data": dataURL(512)},
	}

	_, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.False(t, modified)
	assert.Empty(t, files)
}

func TestScan_SkipProtectedFields(t *testing.T) {
	value := map[string]any{
		"text":     rawBase64(2048),
		"content":  rawBase64(2048),
		"thinking": rawBase64(2048),
	}

	_, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.False(t, modified)
	assert.Empty(t, files)
}

func TestScan_SkipURLs(t *testing.T) {
	value := map[string]any{
		"url":  "https://example.com/image.png",
		"data": "http://example.com/file",
	}

	_, _, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.False(t, modified)
}

func TestScan_DeduplicateSameContent(t *testing.T) {
	blob := dataURL(2048)
	value := map[string]any{
		"images": []any{
			map[string]any{"data": blob},
			map[string]any{"data": blob},
			map[string]any{"data": blob},
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)

	images := result.(map[string]any)["images"].([]any)
	hash1 := images[0].(map[string]any)["data"].(string)
	hash2 := images[1].(map[string]any)["data"].(string)
	hash3 := images[2].(map[string]any)["data"].(string)
	assert.Equal(t, hash1, hash2)
	assert.Equal(t, hash2, hash3)
}

func TestScan_NestedJSONString(t *testing.T) {
	inner, err := json.Marshal(map[string]any{
		"type": "image",
		"data": dataURL(2048),
	})
	require.NoError(t, err)

	value := map[string]any{"attributes": string(inner)}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)

	attrs := result.(map[string]any)["attributes"].(string)
	parsed := decodeJSON(t, attrs).(map[string]any)
	assert.True(t, strings.HasPrefix(parsed["data"].(string), fileuri.Prefix))
}

func TestScan_SkipPlaceholders(t *testing.T) {
	value := map[string]any{
		"data":   "<replaced>",
		"bytes":  "<binary>",
		"base64": "",
	}

	_, _, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.False(t, modified)
}

func TestScan_AlreadyExtracted(t *testing.T) {
	value := map[string]any{"data": "#!B64!#::abc123def456"}

	_, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.False(t, modified)
	assert.Empty(t, files)
}

func TestScan_OpenAIImageURLFormat(t *testing.T) {
	value := map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": dataURL(2048)},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)
	url := result.(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, fileuri.Prefix))
}

func TestScan_BedrockFormat(t *testing.T) {
	value := map[string]any{
		"image": map[string]any{
			"format": "jpeg",
			"source": map[string]any{"bytes": rawBase64(2048)},
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)
	bytes := result.(map[string]any)["image"].(map[string]any)["source"].(map[string]any)["bytes"].(string)
	assert.True(t, strings.HasPrefix(bytes, fileuri.Prefix))
}

func TestScan_GeminiFormat(t *testing.T) {
	value := map[string]any{
		"inline_data": map[string]any{
			"mime_type": "image/jpeg",
			"data":      rawBase64(2048),
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)
	data := result.(map[string]any)["inline_data"].(map[string]any)["data"].(string)
	assert.True(t, strings.HasPrefix(data, fileuri.Prefix))
}

func TestScan_MultipleDifferentFiles(t *testing.T) {
	value := map[string]any{
		"images": []any{
			map[string]any{"data": dataURL(2048)},
			map[string]any{"data": dataURL(4096)},
		},
	}

	_, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	assert.Len(t, files, 2)
}

func TestScan_RawSpanNestedStringifiedJSONWithBytes(t *testing.T) {
	inner, err := json.Marshal([]any{
		map[string]any{
			"type": "task-document",
			"source": map[string]any{
				"bytes": rawBase64(2048),
			},
		},
	})
	require.NoError(t, err)

	value := map[string]any{
		"trace_id": "abc123",
		"attributes": map[string]any{
			"gen_ai.content.input": string(inner),
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)

	attrs := result.(map[string]any)["attributes"].(map[string]any)["gen_ai.content.input"].(string)
	parsed := decodeJSON(t, attrs).([]any)
	bytes := parsed[0].(map[string]any)["source"].(map[string]any)["bytes"].(string)
	assert.True(t, strings.HasPrefix(bytes, fileuri.Prefix))
}

func TestScan_NestedJSONInProtectedField(t *testing.T) {
	inner, err := json.Marshal([]any{
		map[string]any{
			"image": map[string]any{
				"format": "jpeg",
				"source": map[string]any{
					"bytes": rawBase64(2048),
				},
			},
		},
	})
	require.NoError(t, err)

	value := map[string]any{
		"events": []any{
			map[string]any{
				"name": "gen_ai.choice",
				"attributes": map[string]any{
					"content": string(inner),
				},
			},
		},
	}

	result, files, modified := (&Scanner{MinBytes: 1024}).Scan(value)

	assert.True(t, modified)
	require.Len(t, files, 1)

	content := result.(map[string]any)["events"].([]any)[0].(map[string]any)["attributes"].(map[string]any)["content"].(string)
	parsed := decodeJSON(t, content).([]any)
	bytes := parsed[0].(map[string]any)["image"].(map[string]any)["source"].(map[string]any)["bytes"].(string)
	assert.True(t, strings.HasPrefix(bytes, fileuri.Prefix))
}
