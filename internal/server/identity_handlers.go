package server

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/internal/routing"
)

func handleMappings(w http.ResponseWriter, r *http.Request, ids IdentityStore) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	mappings, err := ids.ListMappings(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

// handleMappingBind serves POST /payroll/mappings/{nameKey}/bind. Binding is
// the operator's word and survives every later auto-resolution pass.
func handleMappingBind(w http.ResponseWriter, r *http.Request, ids IdentityStore, nameKey string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req struct {
		EmployeeID string `json:"employee_id"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EmployeeID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "employee_id is required")
		return
	}
	m, err := ids.BindMapping(r.Context(), nameKey, strings.TrimSpace(req.EmployeeID))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func handleEmployees(w http.ResponseWriter, r *http.Request, ids IdentityStore) {
	switch r.Method {
	case http.MethodGet:
		emps, err := ids.ListEmployees(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"employees": emps})
	case http.MethodPut:
		var req struct {
			Employees []struct {
				ID          string `json:"id"`
				FullName    string `json:"full_name"`
				Email       string `json:"email"`
				CommuteMode string `json:"commute_mode"`
				CommuteKM   string `json:"commute_km"`
				Active      *bool  `json:"active"`
			} `json:"employees"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		emps := make([]Employee, 0, len(req.Employees))
		for _, e := range req.Employees {
			emp := Employee{
				ID:          e.ID,
				FullName:    e.FullName,
				Email:       e.Email,
				CommuteMode: e.CommuteMode,
				Active:      e.Active == nil || *e.Active,
			}
			if strings.TrimSpace(e.CommuteKM) != "" {
				km, err := decimal.NewFromString(strings.TrimSpace(e.CommuteKM))
				if err != nil {
					routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "commute_km must be a decimal string")
					return
				}
				emp.CommuteKM = km
			}
			emps = append(emps, emp)
		}
		if err := ids.PutEmployees(r.Context(), emps); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}
