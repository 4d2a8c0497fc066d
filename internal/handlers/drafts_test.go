package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/platform/idempotency"
	"github.com/tradelane/api/internal/services"
)

var draftTime = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

func sampleDraft(id string) services.Draft {
	return services.Draft{
		ID:      id,
		OwnerID: testOwner,
		FormData: domain.FormData{
			ShipmentDetails: domain.FormFields{domain.FieldHSCode: "8471.30"},
		},
		Statuses:  domain.NewDraftStatuses(),
		Timestamp: draftTime,
	}
}

func TestDraftHandlersRequireIdentity(t *testing.T) {
	h := NewDraftHandlers(&stubDraftService{})
	rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts?tab=compliant", ""), "")
	assertErrorResponse(t, rr, http.StatusUnauthorized, "unauthenticated")
}

func TestDraftHandlersCreate(t *testing.T) {
	var gotForm services.FormData
	svc := &stubDraftService{
		createFn: func(_ context.Context, ownerID string, form services.FormData) (services.Draft, error) {
			if ownerID != testOwner {
				t.Fatalf("expected owner %s, got %s", testOwner, ownerID)
			}
			gotForm = form
			return sampleDraft("drf_1"), nil
		},
	}
	h := NewDraftHandlers(svc)

	body := `{"formData":{"ShipmentDetails":{"HS Code":"8471.30"},"CustomsBroker":{"name":"ACME"}}}`
	rr := serve(t, h.Routes, jsonRequest(http.MethodPost, "/drafts", body), testOwner)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	if gotForm.ShipmentDetails.String(domain.FieldHSCode) != "8471.30" {
		t.Fatalf("expected HS code to reach the service, got %+v", gotForm.ShipmentDetails)
	}
	if _, ok := gotForm.Extra["CustomsBroker"]; !ok {
		t.Fatalf("expected unknown group to be kept in extra, got %+v", gotForm.Extra)
	}

	var resp struct {
		ID       string `json:"id"`
		Statuses struct {
			Compliance        string `json:"compliance"`
			RouteOptimization string `json:"routeOptimization"`
		} `json:"statuses"`
		ComplianceData any    `json:"complianceData"`
		Timestamp      string `json:"timestamp"`
	}
	decodeBody(t, rr, &resp)
	if resp.ID != "drf_1" || resp.Statuses.Compliance != "notDone" || resp.Statuses.RouteOptimization != "notDone" {
		t.Fatalf("unexpected draft payload: %+v", resp)
	}
	if resp.ComplianceData != nil {
		t.Fatalf("expected null complianceData, got %v", resp.ComplianceData)
	}
	if resp.Timestamp != "2025-04-02T10:00:00Z" {
		t.Fatalf("unexpected timestamp %s", resp.Timestamp)
	}
}

func TestDraftHandlersCreateRejectsMalformedBody(t *testing.T) {
	h := NewDraftHandlers(&stubDraftService{
		createFn: func(context.Context, string, services.FormData) (services.Draft, error) {
			t.Fatal("service must not be called")
			return services.Draft{}, nil
		},
	})
	rr := serve(t, h.Routes, jsonRequest(http.MethodPost, "/drafts", `{"formData":`), testOwner)
	assertErrorResponse(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestDraftHandlersCreateReplaysWithIdempotencyKey(t *testing.T) {
	calls := 0
	svc := &stubDraftService{
		createFn: func(context.Context, string, services.FormData) (services.Draft, error) {
			calls++
			return sampleDraft(fmt.Sprintf("drf_%d", calls)), nil
		},
	}
	h := NewDraftHandlers(svc, WithDraftCreateMiddleware(idempotency.Middleware(idempotency.NewMemoryStore())))

	var bodies []string
	for i := 0; i < 2; i++ {
		req := jsonRequest(http.MethodPost, "/drafts", `{"formData":{}}`)
		req.Header.Set("Idempotency-Key", "create-1")
		rr := serve(t, h.Routes, req, testOwner)
		if rr.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected a single draft to be created, got %d", calls)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected identical replay, got %q and %q", bodies[0], bodies[1])
	}
}

func TestDraftHandlersList(t *testing.T) {
	t.Run("returns drafts for tab", func(t *testing.T) {
		var gotTab string
		h := NewDraftHandlers(&stubDraftService{
			listFn: func(_ context.Context, _ string, tab string) ([]services.Draft, error) {
				gotTab = tab
				return []services.Draft{sampleDraft("drf_2"), sampleDraft("drf_1")}, nil
			},
		})
		rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts?tab=ready-for-shipment", ""), testOwner)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if gotTab != "ready-for-shipment" {
			t.Fatalf("expected tab to be forwarded, got %q", gotTab)
		}
		var resp struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		}
		decodeBody(t, rr, &resp)
		if len(resp.Items) != 2 || resp.Items[0].ID != "drf_2" {
			t.Fatalf("unexpected items: %+v", resp.Items)
		}
	})

	t.Run("unknown tab", func(t *testing.T) {
		h := NewDraftHandlers(&stubDraftService{
			listFn: func(context.Context, string, string) ([]services.Draft, error) {
				return nil, fmt.Errorf("%w: archived", services.ErrDraftInvalidTab)
			},
		})
		rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts?tab=archived", ""), testOwner)
		assertErrorResponse(t, rr, http.StatusBadRequest, "invalid_tab")
	})
}

func TestDraftHandlersGetMapsMissingAndForeignToNotFound(t *testing.T) {
	h := NewDraftHandlers(&stubDraftService{
		getFn: func(_ context.Context, ownerID, draftID string) (services.Draft, error) {
			if ownerID != testOwner || draftID != "drf_other" {
				t.Fatalf("unexpected lookup %s/%s", ownerID, draftID)
			}
			return services.Draft{}, services.ErrDraftNotFound
		},
	})
	rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts/drf_other", ""), testOwner)
	assertErrorResponse(t, rr, http.StatusNotFound, "draft_not_found")
}

func TestDraftHandlersUpdate(t *testing.T) {
	t.Run("forwards patch", func(t *testing.T) {
		var got services.UpdateDraftCommand
		h := NewDraftHandlers(&stubDraftService{
			updateFn: func(_ context.Context, cmd services.UpdateDraftCommand) (services.Draft, error) {
				got = cmd
				return sampleDraft(cmd.DraftID), nil
			},
		})
		rr := serve(t, h.Routes, jsonRequest(http.MethodPatch, "/drafts/drf_1", `{"formData":{"ShipmentDetails":{"Quantity":3}}}`), testOwner)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if got.OwnerID != testOwner || got.DraftID != "drf_1" {
			t.Fatalf("unexpected command: %+v", got)
		}
		if _, ok := got.Patch["formData"]; !ok {
			t.Fatalf("expected formData in patch, got %v", got.Patch)
		}
	})

	t.Run("protected field", func(t *testing.T) {
		h := NewDraftHandlers(&stubDraftService{
			updateFn: func(context.Context, services.UpdateDraftCommand) (services.Draft, error) {
				return services.Draft{}, fmt.Errorf("%w: statuses cannot be patched", services.ErrInvalidInput)
			},
		})
		rr := serve(t, h.Routes, jsonRequest(http.MethodPatch, "/drafts/drf_1", `{"statuses":{"compliance":"compliant"}}`), testOwner)
		assertErrorResponse(t, rr, http.StatusBadRequest, "invalid_request")
	})

	t.Run("empty patch", func(t *testing.T) {
		h := NewDraftHandlers(&stubDraftService{})
		rr := serve(t, h.Routes, jsonRequest(http.MethodPatch, "/drafts/drf_1", `{}`), testOwner)
		assertErrorResponse(t, rr, http.StatusBadRequest, "invalid_request")
	})
}

func TestDraftHandlersDelete(t *testing.T) {
	deleted := ""
	h := NewDraftHandlers(&stubDraftService{
		deleteFn: func(_ context.Context, _ string, draftID string) error {
			deleted = draftID
			return nil
		},
	})
	rr := serve(t, h.Routes, jsonRequest(http.MethodDelete, "/drafts/drf_9", ""), testOwner)
	if rr.Code != http.StatusNoContent || deleted != "drf_9" {
		t.Fatalf("expected 204 deleting drf_9, got %d deleting %q", rr.Code, deleted)
	}
}

func TestDraftHandlersImport(t *testing.T) {
	csvBody := "ShipmentDetails.HS Code,ShipmentDetails.Quantity\n8471.30,3\n,\n"

	t.Run("reports created drafts and row errors", func(t *testing.T) {
		h := NewDraftHandlers(&stubDraftService{
			importFn: func(_ context.Context, ownerID string, r io.Reader) (services.ImportResult, error) {
				data, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("read csv: %v", err)
				}
				if string(data) != csvBody {
					t.Fatalf("unexpected csv body %q", data)
				}
				return services.ImportResult{
					Created: []services.Draft{sampleDraft("drf_1")},
					Errors:  []services.ImportRowError{{Row: 2, Message: "row is empty"}},
				}, nil
			},
		})
		req := httptest.NewRequest(http.MethodPost, "/drafts:import", strings.NewReader(csvBody))
		req.Header.Set("Content-Type", "text/csv; charset=utf-8")
		rr := serve(t, h.Routes, req, testOwner)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", rr.Code, rr.Body.String())
		}
		var resp struct {
			Created []struct {
				ID string `json:"id"`
			} `json:"created"`
			Errors []struct {
				Row     int    `json:"row"`
				Message string `json:"message"`
			} `json:"errors"`
		}
		decodeBody(t, rr, &resp)
		if len(resp.Created) != 1 || len(resp.Errors) != 1 || resp.Errors[0].Row != 2 {
			t.Fatalf("unexpected import response: %+v", resp)
		}
	})

	t.Run("rejects non csv bodies", func(t *testing.T) {
		h := NewDraftHandlers(&stubDraftService{})
		rr := serve(t, h.Routes, jsonRequest(http.MethodPost, "/drafts:import", `{}`), testOwner)
		assertErrorResponse(t, rr, http.StatusUnsupportedMediaType, "unsupported_media_type")
	})
}

func TestDraftHandlersStorageFaultIsInternal(t *testing.T) {
	h := NewDraftHandlers(&stubDraftService{
		listFn: func(context.Context, string, string) ([]services.Draft, error) {
			return nil, fmt.Errorf("%w: unavailable", services.ErrStorageFault)
		},
	})
	rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts?tab=compliant", ""), testOwner)
	assertErrorResponse(t, rr, http.StatusInternalServerError, "storage_fault")
}

func TestDraftHandlersUnknownGroupSurvivesResubmission(t *testing.T) {
	var stored services.FormData
	h := NewDraftHandlers(&stubDraftService{
		createFn: func(_ context.Context, _ string, form services.FormData) (services.Draft, error) {
			stored = form
			return sampleDraft("drf_1"), nil
		},
		getFn: func(context.Context, string, string) (services.Draft, error) {
			draft := sampleDraft("drf_1")
			draft.FormData = stored
			return draft, nil
		},
		updateFn: func(_ context.Context, cmd services.UpdateDraftCommand) (services.Draft, error) {
			raw, _ := cmd.Patch["formData"].(map[string]any)
			form, err := services.FormDataFromMap(raw)
			if err != nil {
				return services.Draft{}, err
			}
			stored = form
			draft := sampleDraft(cmd.DraftID)
			draft.FormData = stored
			return draft, nil
		},
	})

	create := `{"formData":{"ShipmentDetails":{"HS Code":"847130"},"CustomsBroker":{"Name":"Acme"}}}`
	if rr := serve(t, h.Routes, jsonRequest(http.MethodPost, "/drafts", create), testOwner); rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}

	readForm := func() map[string]any {
		t.Helper()
		rr := serve(t, h.Routes, jsonRequest(http.MethodGet, "/drafts/drf_1", ""), testOwner)
		if rr.Code != http.StatusOK {
			t.Fatalf("get: %d %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			FormData map[string]any `json:"formData"`
		}
		decodeBody(t, rr, &resp)
		return resp.FormData
	}

	first := readForm()
	broker, ok := first["CustomsBroker"].(map[string]any)
	if !ok || broker["Name"] != "Acme" {
		t.Fatalf("unknown group should be returned at the top level, got %v", first)
	}
	if _, nested := first["extra"]; nested {
		t.Fatalf("unknown group must not be nested under extra: %v", first)
	}

	patch, err := json.Marshal(map[string]any{"formData": first})
	if err != nil {
		t.Fatalf("marshal patch: %v", err)
	}
	if rr := serve(t, h.Routes, jsonRequest(http.MethodPatch, "/drafts/drf_1", string(patch)), testOwner); rr.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rr.Code, rr.Body.String())
	}
	if second := readForm(); !reflect.DeepEqual(first, second) {
		t.Fatalf("form changed after resubmission:\nbefore %v\nafter  %v", first, second)
	}
}
