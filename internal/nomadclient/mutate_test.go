package nomadclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestSubmitJobPostsJobAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/jobs", r.URL.Path)

		var body SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		var job map[string]interface{}
		require.NoError(t, json.Unmarshal(body.Job, &job))
		require.Equal(t, "web", job["ID"])

		w.Write([]byte(`{"EvalID": "eval1", "EvalCreateIndex": 10, "JobModifyIndex": 11}`))
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL})
	require.NoError(t, err)

	jobJSON, err := json.Marshal(map[string]interface{}{"ID": "web"})
	require.NoError(t, err)

	resp, err := c.SubmitJob(context.Background(), jobJSON)
	require.NoError(t, err)
	require.Equal(t, "eval1", resp.EvalID)
	require.EqualValues(t, 11, resp.JobModifyIndex)
}

func TestStopJobSendsPurgeParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "true", r.URL.Query().Get("purge"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL})
	require.NoError(t, err)

	require.NoError(t, c.StopJob(context.Background(), "web", true))
}

func TestStopJobNotFoundIsTraceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":["job not found"]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL})
	require.NoError(t, err)

	err = c.StopJob(context.Background(), "web", true)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}
