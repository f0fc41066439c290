package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/irtcat/internal/adapters/http/api"
	"github.com/okian/irtcat/internal/adapters/repository"
	service "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/domain/cat"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/shadow"
	"github.com/okian/irtcat/internal/scheduler"
	. "github.com/smartystreets/goconvey/convey"
)

// Mock implementations for testing
type mockDependencies struct {
	submitted  []model.FixedFormSession
	seen       map[string]bool
	submitErr  error
	items      []model.Item
	addErr     error
	responses  []model.Response
	triggerErr error
	forced     *bool
	answers    []string
	answerErr  error
	sessionErr error
}

func newMockDependencies() *mockDependencies {
	return &mockDependencies{seen: map[string]bool{}}
}

func (m *mockDependencies) Health(context.Context) (scheduler.Health, error) {
	return scheduler.Health{P50: 12.5, TotalExecutions: 4, Succeeded: 3, Skipped: 1, SkipRate: 0.25}, nil
}

func (m *mockDependencies) ShouldRun(context.Context) (scheduler.Decision, error) {
	return scheduler.Decision{Run: true, NewResponses: 150, Threshold: 100}, nil
}

func (m *mockDependencies) TriggerCalibration(_ context.Context, force bool) (model.CalibrationRun, error) {
	m.forced = &force
	if m.triggerErr != nil {
		return model.CalibrationRun{}, m.triggerErr
	}
	return model.CalibrationRun{ID: "run-1", Status: model.RunRunning, Trigger: model.TriggerAdmin}, nil
}

func (m *mockDependencies) CalibrationRuns(context.Context) ([]model.CalibrationRun, error) {
	return []model.CalibrationRun{{ID: "run-0", Status: model.RunSuccess}}, nil
}

func (m *mockDependencies) SubmitShadow(_ context.Context, s model.FixedFormSession) (bool, error) {
	if m.submitErr != nil {
		return false, m.submitErr
	}
	if m.seen[s.SessionID] {
		return true, nil
	}
	m.seen[s.SessionID] = true
	m.submitted = append(m.submitted, s)
	return false, nil
}

func (m *mockDependencies) CollectionProgress(context.Context) (shadow.Progress, error) {
	return shadow.Progress{TotalSessions: len(m.submitted), MilestoneThreshold: 100}, nil
}

func (m *mockDependencies) Analysis(context.Context) (shadow.Analysis, error) {
	return shadow.Analyze(nil), nil
}

func (m *mockDependencies) AddItems(_ context.Context, items []model.Item) (int, error) {
	if m.addErr != nil {
		return 0, m.addErr
	}
	m.items = append(m.items, items...)
	return len(items), nil
}

func (m *mockDependencies) Items(context.Context) ([]model.Item, error) {
	return m.items, nil
}

func (m *mockDependencies) AppendResponses(_ context.Context, rs []model.Response) ([]model.Response, error) {
	for _, r := range rs {
		if r.ItemID == "unknown" {
			return nil, fmt.Errorf("%w: unknown", repository.ErrUnknownItem)
		}
	}
	m.responses = append(m.responses, rs...)
	return rs, nil
}

func (m *mockDependencies) StartSession(_ context.Context, sessionID, examineeID string) (service.SessionState, error) {
	if m.sessionErr != nil {
		return service.SessionState{}, m.sessionErr
	}
	return service.SessionState{
		SessionID:  sessionID,
		ExamineeID: examineeID,
		IQ:         100,
		Next:       &service.NextItem{ID: "item-1", Domain: "verbal"},
	}, nil
}

func (m *mockDependencies) AnswerSession(_ context.Context, sessionID, itemID string, correct bool) (service.SessionState, error) {
	if m.answerErr != nil {
		return service.SessionState{}, m.answerErr
	}
	m.answers = append(m.answers, fmt.Sprintf("%s/%s/%t", sessionID, itemID, correct))
	return service.SessionState{SessionID: sessionID, Done: true}, nil
}

func (m *mockDependencies) AbortSession(_ context.Context, sessionID string) (service.SessionState, error) {
	if sessionID == "missing" {
		return service.SessionState{}, service.ErrSessionNotFound
	}
	return service.SessionState{SessionID: sessionID, Done: true}, nil
}

func (m *mockDependencies) Session(_ context.Context, sessionID string) (service.SessionState, error) {
	if sessionID == "missing" {
		return service.SessionState{}, service.ErrSessionNotFound
	}
	return service.SessionState{SessionID: sessionID}, nil
}

type mockStatsProvider struct {
	stats service.Stats
}

func (m *mockStatsProvider) GetStats() service.Stats {
	return m.stats
}

func newMux(deps *mockDependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, &mockStatsProvider{stats: service.Stats{Started: true, WorkerCount: 4}}).
		Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func errorCode(w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	return body.Code
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("Then health endpoint should be accessible", func() {
			w := do(mux, "GET", "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"ok"`)
		})

		Convey("And metrics endpoint should expose the registry", func() {
			do(mux, "GET", "/healthz", "")
			w := do(mux, "GET", "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "irtcat_http_requests_total")
		})

		Convey("And stats endpoint should be accessible", func() {
			w := do(mux, "GET", "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"workerCount":4`)
		})

		Convey("And a wrong method is refused", func() {
			w := do(mux, "DELETE", "/items", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("And unknown paths are not found", func() {
			w := do(mux, "GET", "/not-a-route", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})

	Convey("Given a nil mux", t, func() {
		server := api.NewServer(newMockDependencies(), &mockStatsProvider{})
		So(func() { server.Register(context.Background(), nil) }, ShouldPanic)
	})
}

func TestCalibrationHandler(t *testing.T) {
	Convey("Given a calibration handler", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When health is requested", func() {
			w := do(mux, "GET", "/calibration/health", "")

			Convey("Then the summary is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var h scheduler.Health
				So(json.NewDecoder(w.Body).Decode(&h), ShouldBeNil)
				So(h.TotalExecutions, ShouldEqual, 4)
				So(h.SkipRate, ShouldEqual, 0.25)
			})
		})

		Convey("When should-run is requested", func() {
			w := do(mux, "GET", "/calibration/should-run", "")

			Convey("Then the decision is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"run":true`)
			})
		})

		Convey("When an admin forces a run", func() {
			w := do(mux, "POST", "/calibration/run?force=true", "")

			Convey("Then it is accepted and forced", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(*deps.forced, ShouldBeTrue)
				So(w.Body.String(), ShouldContainSubstring, `"status":"running"`)
			})
		})

		Convey("When force is not a boolean", func() {
			w := do(mux, "POST", "/calibration/run?force=maybe", "")

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.forced, ShouldBeNil)
			})
		})

		Convey("When a run is already in flight", func() {
			deps.triggerErr = scheduler.ErrCalibrationConflict
			w := do(mux, "POST", "/calibration/run", "")

			Convey("Then it conflicts", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(errorCode(w), ShouldEqual, "calibration_conflict")
			})

			Convey("And the conflict is counted as an HTTP error", func() {
				m := do(mux, "GET", "/metrics", "")
				So(m.Body.String(), ShouldContainSubstring, `irtcat_errors_total{component="http",kind="conflict"}`)
			})
		})

		Convey("When the run log is requested", func() {
			w := do(mux, "GET", "/calibration/runs", "")

			Convey("Then runs are listed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "run-0")
			})
		})
	})
}

func TestShadowHandler(t *testing.T) {
	Convey("Given a shadow handler", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)
		body := `{"session_id":"ff-1","examinee_id":"ex-1","actual_iq":104,
			"completed_at":"2025-01-05T03:00:00Z",
			"responses":[{"item_id":"i-1","correct":true},{"item_id":"i-2","correct":false}]}`

		Convey("When a valid session is submitted", func() {
			w := do(mux, "POST", "/shadow/sessions", body)

			Convey("Then it is accepted", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(len(deps.submitted), ShouldEqual, 1)
				So(deps.submitted[0].Responses[1].ItemID, ShouldEqual, "i-2")
				So(deps.submitted[0].CompletedAt.Equal(time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC)), ShouldBeTrue)
			})

			Convey("And when it is submitted again", func() {
				w := do(mux, "POST", "/shadow/sessions", body)

				Convey("Then it is acknowledged as a duplicate", func() {
					So(w.Code, ShouldEqual, http.StatusOK)
					So(w.Body.String(), ShouldContainSubstring, `"duplicate":true`)
					So(len(deps.submitted), ShouldEqual, 1)
				})
			})
		})

		Convey("When a session has no responses", func() {
			w := do(mux, "POST", "/shadow/sessions", `{"session_id":"ff-2","examinee_id":"ex","actual_iq":100,"responses":[]}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(len(deps.submitted), ShouldEqual, 0)
			})
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, "POST", "/shadow/sessions", `{not json`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(errorCode(w), ShouldEqual, "bad_request")
			})
		})

		Convey("When the queue is full", func() {
			deps.submitErr = fmt.Errorf("%w: queue full", service.ErrBackpressure)
			w := do(mux, "POST", "/shadow/sessions", body)

			Convey("Then it is unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(errorCode(w), ShouldEqual, "backpressure")
			})
		})

		Convey("When progress and analysis are requested", func() {
			do(mux, "POST", "/shadow/sessions", body)
			progress := do(mux, "GET", "/shadow/progress", "")
			analysis := do(mux, "GET", "/shadow/analysis", "")

			Convey("Then both are served", func() {
				So(progress.Code, ShouldEqual, http.StatusOK)
				So(progress.Body.String(), ShouldContainSubstring, `"total_sessions":1`)
				So(analysis.Code, ShouldEqual, http.StatusOK)
				So(analysis.Body.String(), ShouldContainSubstring, `"pearson":null`)
			})
		})
	})
}

func TestBankHandler(t *testing.T) {
	Convey("Given a bank handler", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When items are posted", func() {
			w := do(mux, "POST", "/items", `{"items":[{"id":"i-1","difficulty":-0.5,"discrimination":1.1,"domain":"verbal"}]}`)

			Convey("Then they are added and listed", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(w.Body.String(), ShouldContainSubstring, `"added":1`)
				list := do(mux, "GET", "/items", "")
				So(list.Code, ShouldEqual, http.StatusOK)
				So(list.Body.String(), ShouldContainSubstring, `"id":"i-1"`)
			})
		})

		Convey("When an item has no positive discrimination", func() {
			w := do(mux, "POST", "/items", `{"items":[{"id":"i-1","discrimination":0}]}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(len(deps.items), ShouldEqual, 0)
			})
		})

		Convey("When the store rejects an item", func() {
			deps.addErr = fmt.Errorf("%w: bad", repository.ErrInvalidRecord)
			w := do(mux, "POST", "/items", `{"items":[{"id":"i-1","discrimination":1}]}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When responses are posted", func() {
			w := do(mux, "POST", "/responses", `{"responses":[
				{"examinee_id":"ex-1","item_id":"i-1","correct":false},
				{"examinee_id":"ex-1","item_id":"i-2","correct":true}]}`)

			Convey("Then they are stored", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(w.Body.String(), ShouldContainSubstring, `"stored":2`)
				So(deps.responses[0].Correct, ShouldBeFalse)
				So(deps.responses[1].Correct, ShouldBeTrue)
			})
		})

		Convey("When a response omits correctness", func() {
			w := do(mux, "POST", "/responses", `{"responses":[{"examinee_id":"ex-1","item_id":"i-1"}]}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When a response references an unknown item", func() {
			w := do(mux, "POST", "/responses", `{"responses":[{"examinee_id":"ex-1","item_id":"unknown","correct":true}]}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(len(deps.responses), ShouldEqual, 0)
			})
		})
	})
}

func TestSessionsHandler(t *testing.T) {
	Convey("Given a sessions handler", t, func() {
		deps := newMockDependencies()
		mux := newMux(deps)

		Convey("When a session starts", func() {
			w := do(mux, "POST", "/sessions", `{"session_id":"s-1","examinee_id":"ex-1"}`)

			Convey("Then the first item is offered", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				var st service.SessionState
				So(json.NewDecoder(w.Body).Decode(&st), ShouldBeNil)
				So(st.Next, ShouldNotBeNil)
				So(st.Next.ID, ShouldEqual, "item-1")
			})
		})

		Convey("When no item is calibrated yet", func() {
			deps.sessionErr = service.ErrNoCalibratedItems
			w := do(mux, "POST", "/sessions", `{"examinee_id":"ex-1"}`)

			Convey("Then it conflicts", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(errorCode(w), ShouldEqual, "no_calibrated_items")
			})
		})

		Convey("When an answer is posted", func() {
			w := do(mux, "POST", "/sessions/s-1/answers", `{"item_id":"item-1","correct":true}`)

			Convey("Then it reaches the session by path id", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.answers, ShouldResemble, []string{"s-1/item-1/true"})
			})
		})

		Convey("When the answer names an item that was not offered", func() {
			deps.answerErr = fmt.Errorf("record answer: %w", cat.ErrNotOffered)
			w := do(mux, "POST", "/sessions/s-1/answers", `{"item_id":"item-9","correct":true}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When an unknown session is read or aborted", func() {
			get := do(mux, "GET", "/sessions/missing", "")
			abort := do(mux, "POST", "/sessions/missing/abort", "")

			Convey("Then both are not found", func() {
				So(get.Code, ShouldEqual, http.StatusNotFound)
				So(abort.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestErrors(t *testing.T) {
	Convey("Given API errors", t, func() {
		cause := errors.New("boom")

		Convey("Then kinds and causes are both reachable", func() {
			err := api.WrapKind("api.op", api.ErrBadRequest, cause)
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: boom")
		})

		Convey("Then a bare kind carries the operation", func() {
			So(api.NewKind("api.op", api.ErrBackpressure).Error(), ShouldEqual, "api.op: backpressure")
			So(api.Wrap("api.op", nil), ShouldBeNil)
		})
	})
}
