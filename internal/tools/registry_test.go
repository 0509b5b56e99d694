package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/logger"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) }

func newTestRegistry(searx string) *Registry {
	r := NewRegistry(time.Second, logger.Discard())
	RegisterBuiltins(r, searx, fixedNow)
	return r
}

func TestRegistry_Definitions(t *testing.T) {
	r := newTestRegistry("")
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, ConvertTimeTool, defs[0].Function.Name)
	assert.Equal(t, CurrentTimeTool, defs[1].Function.Name)

	r = newTestRegistry("http://searx.invalid")
	assert.Len(t, r.Definitions(), 3)
}

func TestRegistry_UnknownTool(t *testing.T) {
	resp, err := newTestRegistry("").Execute(context.Background(), Call{ToolName: "nope"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown tool")
}

func TestRegistry_HandlerErrorIsReported(t *testing.T) {
	r := NewRegistry(0, logger.Discard())
	r.Register(ai.ToolDef{Type: "function", Function: ai.ToolFunction{Name: "bad"}}, func(ctx context.Context, a, q string) (string, error) {
		return "", errors.New("exploded")
	})
	resp, err := r.Execute(context.Background(), Call{ToolName: "bad"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "exploded", resp.Error)
}

func TestCurrentTime(t *testing.T) {
	resp, err := newTestRegistry("").Execute(context.Background(), Call{ToolName: CurrentTimeTool, Arguments: `{"timezone":"Asia/Tokyo"}`})
	require.NoError(t, err)
	require.True(t, resp.Success)

	var out zoneTime
	require.NoError(t, json.Unmarshal([]byte(resp.Content()), &out))
	assert.Equal(t, "Asia/Tokyo", out.Timezone)
	assert.Equal(t, "2024-01-15T19:30:00+09:00", out.Datetime)
}

func TestCurrentTime_BadZone(t *testing.T) {
	resp, err := newTestRegistry("").Execute(context.Background(), Call{ToolName: CurrentTimeTool, Arguments: `{"timezone":"Mars/Base"}`})
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestConvertTime(t *testing.T) {
	resp, err := newTestRegistry("").Execute(context.Background(), Call{
		ToolName:  ConvertTimeTool,
		Arguments: `{"source_timezone":"UTC","time":"12:00","target_timezone":"Asia/Kolkata"}`,
	})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	var out struct {
		Target zoneTime `json:"target"`
		Diff   string   `json:"time_difference"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Content()), &out))
	assert.Equal(t, "2024-01-15T17:30:00+05:30", out.Target.Datetime)
	assert.Equal(t, "+5.50h", out.Diff)
}

func TestQuery(t *testing.T) {
	assert.Equal(t, "cats", Query("cats", ""))
	assert.Equal(t, "cats\nsiamese", Query(" cats ", `{"additionalContext":"siamese"}`))
	assert.Equal(t, "siamese", Query("", `{"additionalContext":"siamese"}`))
}

func TestWebSearch(t *testing.T) {
	var gotQ string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"results":[{"title":"Cats","url":"https://cats.example","content":"All about cats."}]}`))
	}))
	defer srv.Close()

	resp, err := newTestRegistry(srv.URL).Execute(context.Background(), Call{
		ToolName:      WebSearchTool,
		Arguments:     `{"additionalContext":"history"}`,
		PreparedQuery: "cats",
	})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "cats\nhistory", gotQ)
	assert.Contains(t, resp.Content(), "[1] Cats")
	assert.Contains(t, resp.Content(), "https://cats.example")
}

func TestWebSearch_NoQuery(t *testing.T) {
	resp, err := newTestRegistry("http://unused").Execute(context.Background(), Call{ToolName: WebSearchTool})
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tools/execute", r.URL.Path)
		var c Call
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		switch c.ToolName {
		case "ok":
			_, _ = w.Write([]byte(`{"success":true,"data":{"content":"result for ` + c.PreparedQuery + `"}}`))
		case "soft":
			_, _ = w.Write([]byte(`{"success":false,"error":"no such thing"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error":"crashed"}`))
		}
	}))
	defer srv.Close()
	ex := NewHTTPExecutor(srv.URL+"/", 5*time.Second)

	resp, err := ex.Execute(context.Background(), Call{ToolName: "ok", PreparedQuery: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "result for q", resp.Content())

	resp, err = ex.Execute(context.Background(), Call{ToolName: "soft"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "no such thing", resp.Error)

	_, err = ex.Execute(context.Background(), Call{ToolName: "hard"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed")
}

func TestHTTPExecutorList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tools/list", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    newTestRegistry("").Definitions(),
		})
	}))
	defer srv.Close()

	defs, err := NewHTTPExecutor(srv.URL, 5*time.Second).List(context.Background())
	require.NoError(t, err)
	want := newTestRegistry("").Definitions()
	require.Len(t, defs, len(want))
	for i := range want {
		assert.Equal(t, want[i].Function.Name, defs[i].Function.Name)
		assert.JSONEq(t, string(want[i].Function.Parameters), string(defs[i].Function.Parameters))
	}
}
