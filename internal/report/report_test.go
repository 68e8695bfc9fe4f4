package report

import (
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/unixpickle/asynclearner/internal/task"
)

func TestPublishWithNoClientsDoesNotPanic(t *testing.T) {
	h := NewHub(logrus.NewEntry(logrus.New()))
	assert.NotPanics(t, func() {
		h.Publish(task.Report{EnvSteps: 10, PolicyID: 1})
	})
}

func TestRouterServesHealthz(t *testing.T) {
	h := NewHub(logrus.NewEntry(logrus.New()))
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
