package server

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/internal/routing"
	"github.com/meadowhr/payrollcore/pkg/authz"
)

var timeNow = time.Now

type HandlerOptions struct {
	Periods    PeriodStore
	Identities IdentityStore
	MasterData MasterDataStore
	Receipts   ReceiptStore
	Signer     SignatureClient
	Authorizer *authz.Authorizer

	WorkbookConfig *WorkbookConfig
	WebhookSecret  string
	Tolerance      *decimal.Decimal

	DispatchTemplateID string
	DispatchRoleName   string
}

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

// NewHandlerWithOptions builds the full HTTP surface. Options left nil fall
// back to environment wiring: Postgres stores when a database is reachable
// via env config, and the in-memory stores otherwise only when explicitly
// requested via STORE=memory.
func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	var pool *pgxpool.Pool
	needsPG := opts.Periods == nil || opts.Identities == nil || opts.MasterData == nil || opts.Receipts == nil
	if needsPG && !strings.EqualFold(os.Getenv("STORE"), "memory") {
		p, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		pool = p
	}

	if opts.Periods == nil {
		if pool != nil {
			opts.Periods = NewPGPeriodStore(pool)
		} else {
			opts.Periods = NewMemoryPeriodStore()
		}
	}
	if opts.Identities == nil {
		if pool != nil {
			opts.Identities = NewPGIdentityStore(pool)
		} else {
			opts.Identities = NewMemoryIdentityStore()
		}
	}
	if opts.MasterData == nil {
		if pool != nil {
			opts.MasterData = NewPGMasterDataStore(pool)
		} else {
			opts.MasterData = NewMemoryMasterDataStore()
		}
	}
	if opts.Receipts == nil {
		if pool != nil {
			opts.Receipts = NewPGReceiptStore(pool)
		} else {
			opts.Receipts = NewMemoryReceiptStore()
		}
	}

	if opts.Authorizer == nil {
		mode, err := authz.ModeFromEnv()
		if err != nil {
			return nil, err
		}
		if mode == authz.ModeDisabled {
			opts.Authorizer = authz.NewDisabled()
		} else {
			a, err := authz.NewAuthorizer(os.Getenv("AUTHZ_MODEL_PATH"), os.Getenv("AUTHZ_POLICY_PATH"), mode)
			if err != nil {
				return nil, err
			}
			opts.Authorizer = a
		}
	}

	if opts.WorkbookConfig == nil {
		cfg := DefaultWorkbookConfig()
		if path := os.Getenv("WORKBOOK_CONFIG_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			cfg, err = LoadWorkbookConfig(data)
			if err != nil {
				return nil, err
			}
		}
		opts.WorkbookConfig = &cfg
	}
	if err := opts.WorkbookConfig.Validate(); err != nil {
		return nil, err
	}

	if path := os.Getenv("MASTER_DATA_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := LoadMasterDataSeed(context.Background(), data, opts.MasterData, opts.Identities); err != nil {
			return nil, err
		}
	}

	if opts.WebhookSecret == "" {
		opts.WebhookSecret = os.Getenv("ESIGN_WEBHOOK_SECRET")
	}
	if opts.DispatchTemplateID == "" {
		opts.DispatchTemplateID = os.Getenv("ESIGN_TEMPLATE_ID")
	}
	if opts.DispatchRoleName == "" {
		opts.DispatchRoleName = getenvDefault("ESIGN_ROLE_NAME", "employee")
	}
	if opts.Signer == nil && os.Getenv("ESIGN_BASE_URL") != "" {
		client, err := NewESignClientFromEnv()
		if err != nil {
			return nil, err
		}
		opts.Signer = client
	}

	tolerance := DefaultTolerance()
	if opts.Tolerance != nil {
		tolerance = *opts.Tolerance
	} else if raw := os.Getenv("RECONCILE_TOLERANCE"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		tolerance = d
	}

	engine := &Engine{
		Periods:    opts.Periods,
		Identities: opts.Identities,
		MasterData: opts.MasterData,
		Tolerance:  tolerance,
	}
	dispatcher := &Dispatcher{
		Periods:    opts.Periods,
		Identities: opts.Identities,
		Receipts:   opts.Receipts,
		Client:     opts.Signer,
		TemplateID: opts.DispatchTemplateID,
		RoleName:   opts.DispatchRoleName,
	}

	h := &payrollHandler{
		periods:       opts.Periods,
		identities:    opts.Identities,
		masterData:    opts.MasterData,
		receipts:      opts.Receipts,
		engine:        engine,
		dispatcher:    dispatcher,
		authorizer:    opts.Authorizer,
		workbookCfg:   *opts.WorkbookConfig,
		webhookSecret: opts.WebhookSecret,
	}
	return h.routes(), nil
}

type payrollHandler struct {
	periods       PeriodStore
	identities    IdentityStore
	masterData    MasterDataStore
	receipts      ReceiptStore
	engine        *Engine
	dispatcher    *Dispatcher
	authorizer    *authz.Authorizer
	workbookCfg   WorkbookConfig
	webhookSecret string
}

// gate enforces the capability check and reports whether the handler may
// proceed. The caller's role arrives on X-Operator-Role; the gateway in
// front of this service has already authenticated it.
func (h *payrollHandler) gate(w http.ResponseWriter, r *http.Request, object string, action string) bool {
	role := r.Header.Get("X-Operator-Role")
	ok, err := h.authorizer.Allowed(role, object, action)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "authz_error", "authorization check failed")
		return false
	}
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusForbidden, "capability_denied", "missing capability "+object+":"+action)
		return false
	}
	return true
}

func actionForMethod(method string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return authz.ActionView
	}
	return authz.ActionManage
}

func (h *payrollHandler) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/payroll/periods", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectPayroll, actionForMethod(r.Method)) {
			return
		}
		handlePeriods(w, r, h.periods)
	})
	mux.HandleFunc("/payroll/periods/", h.servePeriodSubroutes)

	mux.HandleFunc("/payroll/mappings", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectPayroll, actionForMethod(r.Method)) {
			return
		}
		handleMappings(w, r, h.identities)
	})
	mux.HandleFunc("/payroll/mappings/", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectPayroll, actionForMethod(r.Method)) {
			return
		}
		nameKey, action, ok := periodPathParts(r, "/payroll/mappings/")
		if !ok || action != "bind" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", "unknown route")
			return
		}
		handleMappingBind(w, r, h.identities, nameKey)
	})

	mux.HandleFunc("/payroll/employees", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectMasterData, actionForMethod(r.Method)) {
			return
		}
		handleEmployees(w, r, h.identities)
	})
	mux.HandleFunc("/payroll/tax-schedules", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectMasterData, actionForMethod(r.Method)) {
			return
		}
		handleTaxSchedules(w, r, h.masterData)
	})
	mux.HandleFunc("/payroll/travel-tiers", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectMasterData, actionForMethod(r.Method)) {
			return
		}
		handleTravelTiers(w, r, h.masterData)
	})
	mux.HandleFunc("/payroll/holidays", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectMasterData, actionForMethod(r.Method)) {
			return
		}
		handleHolidays(w, r, h.masterData)
	})
	mux.HandleFunc("/payroll/severity-rules", func(w http.ResponseWriter, r *http.Request) {
		if !h.gate(w, r, authz.ObjectMasterData, actionForMethod(r.Method)) {
			return
		}
		handleSeverityRules(w, r, h.masterData)
	})

	// The provider authenticates with the HMAC signature, not a role header.
	mux.HandleFunc("/payroll/webhooks/esign", func(w http.ResponseWriter, r *http.Request) {
		handleESignWebhook(w, r, h.receipts, h.webhookSecret)
	})

	return mux
}

func (h *payrollHandler) servePeriodSubroutes(w http.ResponseWriter, r *http.Request) {
	periodID, action, ok := periodPathParts(r, "/payroll/periods/")
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if !h.gate(w, r, authz.ObjectPayroll, actionForMethod(r.Method)) {
		return
	}
	switch action {
	case "":
		handlePeriodDetail(w, r, h.periods, periodID)
	case "import":
		handlePeriodImport(w, r, h.periods, h.identities, h.workbookCfg, periodID)
	case "carry-forward":
		handlePeriodCarryForward(w, r, h.periods, periodID)
	case "recalculate":
		handlePeriodRecalculate(w, r, h.engine, periodID)
	case "approve":
		handlePeriodApprove(w, r, h.periods, periodID)
	case "lock":
		handlePeriodLock(w, r, h.periods, periodID)
	case "inputs":
		handlePeriodInputs(w, r, h.periods, periodID)
	case "expenses":
		handlePeriodExpenses(w, r, h.periods, periodID)
	case "attendance":
		handlePeriodAttendance(w, r, h.periods, periodID)
	case "computed":
		handlePeriodComputed(w, r, h.periods, periodID)
	case "mismatches":
		handlePeriodMismatches(w, r, h.periods, periodID)
	case "snapshots":
		handlePeriodSnapshots(w, r, h.periods, periodID)
	case "events":
		handlePeriodEvents(w, r, h.periods, periodID)
	case "dispatch":
		handlePeriodDispatch(w, r, h.dispatcher, periodID)
	case "receipts":
		handlePeriodReceipts(w, r, h.receipts, periodID)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", "unknown route")
	}
}
