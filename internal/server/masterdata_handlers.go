package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/internal/routing"
	"github.com/meadowhr/payrollcore/pkg/reconcile"
	"github.com/meadowhr/payrollcore/pkg/taxtable"
	"github.com/meadowhr/payrollcore/pkg/travelband"
)

type taxBracketDTO struct {
	Lower string `json:"lower"`
	Upper string `json:"upper,omitempty"`
	Fixed string `json:"fixed"`
	Rate  string `json:"rate"`
}

type taxScheduleDTO struct {
	Name          string          `json:"name"`
	EffectiveFrom string          `json:"effective_from"`
	Brackets      []taxBracketDTO `json:"brackets"`
}

func scheduleToDTO(s taxtable.Schedule) taxScheduleDTO {
	dto := taxScheduleDTO{Name: s.Name, EffectiveFrom: s.EffectiveFrom.Format(dateLayout)}
	for _, b := range s.Brackets {
		bd := taxBracketDTO{Lower: b.Lower.String(), Fixed: b.Fixed.String(), Rate: b.Rate.String()}
		if b.Upper != nil {
			bd.Upper = b.Upper.String()
		}
		dto.Brackets = append(dto.Brackets, bd)
	}
	return dto
}

func scheduleFromDTO(dto taxScheduleDTO) (taxtable.Schedule, error) {
	eff, err := time.Parse(dateLayout, dto.EffectiveFrom)
	if err != nil {
		return taxtable.Schedule{}, err
	}
	s := taxtable.Schedule{Name: dto.Name, EffectiveFrom: eff}
	for _, bd := range dto.Brackets {
		lower, err := decimal.NewFromString(bd.Lower)
		if err != nil {
			return taxtable.Schedule{}, err
		}
		fixed, err := decimal.NewFromString(bd.Fixed)
		if err != nil {
			return taxtable.Schedule{}, err
		}
		rate, err := decimal.NewFromString(bd.Rate)
		if err != nil {
			return taxtable.Schedule{}, err
		}
		b := taxtable.Bracket{Lower: lower, Fixed: fixed, Rate: rate}
		if bd.Upper != "" {
			upper, err := decimal.NewFromString(bd.Upper)
			if err != nil {
				return taxtable.Schedule{}, err
			}
			b.Upper = &upper
		}
		s.Brackets = append(s.Brackets, b)
	}
	return s, nil
}

func handleTaxSchedules(w http.ResponseWriter, r *http.Request, md MasterDataStore) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := md.TaxSchedules(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		out := make([]taxScheduleDTO, 0, len(schedules))
		for _, s := range schedules {
			out = append(out, scheduleToDTO(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
	case http.MethodPut:
		var req struct {
			Schedules []taxScheduleDTO `json:"schedules"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		schedules := make([]taxtable.Schedule, 0, len(req.Schedules))
		for _, dto := range req.Schedules {
			s, err := scheduleFromDTO(dto)
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			schedules = append(schedules, s)
		}
		if err := md.PutTaxSchedules(r.Context(), schedules); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_schedules", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}

type travelTierDTO struct {
	Mode          string `json:"mode"`
	MinKM         string `json:"min_km"`
	MaxKM         string `json:"max_km,omitempty"`
	MonthlyRate   string `json:"monthly_rate"`
	EffectiveFrom string `json:"effective_from"`
	EffectiveTo   string `json:"effective_to,omitempty"`
	Active        bool   `json:"active"`
}

func handleTravelTiers(w http.ResponseWriter, r *http.Request, md MasterDataStore) {
	switch r.Method {
	case http.MethodGet:
		tiers, err := md.TravelTiers(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		out := make([]travelTierDTO, 0, len(tiers))
		for _, t := range tiers {
			dto := travelTierDTO{
				Mode:          t.Mode,
				MinKM:         t.MinKM.String(),
				MonthlyRate:   t.MonthlyRate.String(),
				EffectiveFrom: t.EffectiveFrom.Format(dateLayout),
				Active:        t.Active,
			}
			if t.MaxKM != nil {
				dto.MaxKM = t.MaxKM.String()
			}
			if t.EffectiveTo != nil {
				dto.EffectiveTo = t.EffectiveTo.Format(dateLayout)
			}
			out = append(out, dto)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
	case http.MethodPut:
		var req struct {
			Tiers []travelTierDTO `json:"tiers"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		tiers := make([]travelband.Tier, 0, len(req.Tiers))
		for _, dto := range req.Tiers {
			minKM, err := decimal.NewFromString(dto.MinKM)
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "min_km must be a decimal string")
				return
			}
			rate, err := decimal.NewFromString(dto.MonthlyRate)
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "monthly_rate must be a decimal string")
				return
			}
			eff, err := time.Parse(dateLayout, dto.EffectiveFrom)
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "effective_from must be YYYY-MM-DD")
				return
			}
			t := travelband.Tier{
				Mode:          dto.Mode,
				MinKM:         minKM,
				MonthlyRate:   rate,
				EffectiveFrom: eff,
				Active:        dto.Active,
			}
			if dto.MaxKM != "" {
				maxKM, err := decimal.NewFromString(dto.MaxKM)
				if err != nil {
					routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "max_km must be a decimal string")
					return
				}
				t.MaxKM = &maxKM
			}
			if dto.EffectiveTo != "" {
				to, err := time.Parse(dateLayout, dto.EffectiveTo)
				if err != nil {
					routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "effective_to must be YYYY-MM-DD")
					return
				}
				t.EffectiveTo = &to
			}
			tiers = append(tiers, t)
		}
		if err := md.PutTravelTiers(r.Context(), tiers); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handleHolidays(w http.ResponseWriter, r *http.Request, md MasterDataStore) {
	switch r.Method {
	case http.MethodGet:
		days, err := md.Holidays(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"holidays": days})
	case http.MethodPut:
		var req struct {
			Holidays []string `json:"holidays"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if err := md.PutHolidays(r.Context(), req.Holidays); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handleSeverityRules(w http.ResponseWriter, r *http.Request, md MasterDataStore) {
	switch r.Method {
	case http.MethodGet:
		rules, err := md.SeverityRules(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(rules))
		for _, rule := range rules {
			out = append(out, map[string]any{
				"name":     rule.Name,
				"priority": rule.Priority,
				"expr":     rule.Expr,
				"severity": rule.Severity,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": out})
	case http.MethodPut:
		var req struct {
			Rules []struct {
				Name     string `json:"name"`
				Priority int    `json:"priority"`
				Expr     string `json:"expr"`
				Severity string `json:"severity"`
			} `json:"rules"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		rules := make([]reconcile.Rule, 0, len(req.Rules))
		for _, dto := range req.Rules {
			rules = append(rules, reconcile.Rule{
				Name:     dto.Name,
				Priority: dto.Priority,
				Expr:     dto.Expr,
				Severity: reconcile.Severity(strings.ToUpper(dto.Severity)),
			})
		}
		if err := md.PutSeverityRules(r.Context(), rules); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_rules", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}
