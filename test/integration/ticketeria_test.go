package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ticketeria/ticketeria/internal/adapters/crdb"
	mongoadapter "github.com/ticketeria/ticketeria/internal/adapters/mongo"
	"github.com/ticketeria/ticketeria/internal/adapters/rabbit"
	redisadapter "github.com/ticketeria/ticketeria/internal/adapters/redis"
	"github.com/ticketeria/ticketeria/internal/adapters/sqala"
	"github.com/ticketeria/ticketeria/internal/config"
	"github.com/ticketeria/ticketeria/internal/domain"
	httphandler "github.com/ticketeria/ticketeria/internal/http"
	"github.com/ticketeria/ticketeria/internal/idempotency"
	"github.com/ticketeria/ticketeria/internal/observability"
	"github.com/ticketeria/ticketeria/internal/outbox"
	"github.com/ticketeria/ticketeria/internal/rateLimit"
	"github.com/ticketeria/ticketeria/internal/settlement"
)

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		venue TEXT NOT NULL DEFAULT '',
		date TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ticket_types (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC NOT NULL,
		event_id UUID NOT NULL REFERENCES events (id)
	);
	CREATE TABLE IF NOT EXISTS promoter_codes (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		discount_type TEXT NOT NULL CHECK (discount_type IN ('PERCENTAGE', 'FIXED_AMOUNT')),
		discount_value NUMERIC NOT NULL CHECK (discount_value >= 0),
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ NOT NULL,
		max_uses INT,
		current_uses INT NOT NULL DEFAULT 0,
		promoter_id UUID NOT NULL,
		CHECK (max_uses IS NULL OR current_uses <= max_uses)
	);
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		total_amount NUMERIC NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PAID', 'CANCELED', 'REFUNDED')),
		payment_method TEXT NOT NULL CHECK (payment_method IN ('PIX', 'CREDIT_CARD', 'BOLETO', 'BANK_TRANSFER', 'ITP')),
		payment_id TEXT
	);
	CREATE TABLE IF NOT EXISTS tickets (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('RESERVED', 'PAID', 'CANCELED', 'USED', 'EXPIRED')),
		price NUMERIC NOT NULL,
		original_price NUMERIC NOT NULL CHECK (price <= original_price),
		is_courtesy BOOL NOT NULL DEFAULT false,
		ticket_type_id UUID NOT NULL REFERENCES ticket_types (id),
		user_id UUID,
		order_id UUID REFERENCES orders (id),
		promoter_code_id UUID REFERENCES promoter_codes (id)
	);
	CREATE TABLE IF NOT EXISTS outbox (
		id UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		payload_json BYTES NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
		dedupe_key TEXT NOT NULL
	);
`

// providerStub mimics the Sqala API: pix charges stay pending until the
// first status poll reports them paid.
func providerStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pix":
			json.NewEncoder(w).Encode(map[string]string{
				"id": "pix_e2e", "status": "pending", "qr_code": "00020126580014br.gov.bcb.pix",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/pix/pix_e2e":
			json.NewEncoder(w).Encode(map[string]string{"id": "pix_e2e", "status": "paid"})
		case r.Method == http.MethodPost && r.URL.Path == "/pix/pix_e2e/refund":
			json.NewEncoder(w).Encode(map[string]string{"id": "pix_e2e", "status": "refunded"})
		default:
			t.Errorf("unexpected provider request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntegration_OrderPaymentRefund(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	crdbPort, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}
	mongoHost, err := mongoContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mongoPort, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	rabbitHost, err := rabbitContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rabbitPort, err := rabbitContainer.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatal(err)
	}

	provider := providerStub(t)

	cfg := &config.Config{
		DBDSN:          "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/defaultdb?sslmode=disable",
		MongoURI:       "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:      redisHost + ":" + redisPort.Port(),
		RabbitURL:      "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		SqalaAPIURL:    provider.URL,
		SqalaAPIKey:    "sk_test",
		IdempotencyTTL: time.Hour,
	}

	pool, err := crdb.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	logger := observability.NewLogger()
	audit := mongoadapter.NewAuditLogger(mongoClient.Database("ticketeria"), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(redisCache)

	provClient := sqala.NewClient(cfg.SqalaAPIURL, cfg.SqalaAPIKey, logger)
	engine := settlement.NewEngine(repo, provClient, audit, logger)

	handlers := httphandler.NewHandlers(cfg, engine, repo, redisCache, idemp, logger)
	srv := httptest.NewServer(httphandler.SetupRouter(handlers, logger, rl))
	defer srv.Close()

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := rabbit.NewConsumer(rabbitConn, "integration.q", "order.*")
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	outboxCtx, cancelOutbox := context.WithCancel(ctx)
	defer cancelOutbox()
	go outbox.NewPublisher(repo, rabbitPub, logger).Run(outboxCtx, 500*time.Millisecond)

	// Seed catalog: one event, one ticket type, two reserved tickets.
	event := domain.Event{ID: uuid.New(), Name: "Integration Fest", Venue: "Arena", Date: time.Now().Add(48 * time.Hour)}
	if err := repo.InsertEvent(ctx, event); err != nil {
		t.Fatal(err)
	}
	tt := domain.TicketType{ID: uuid.New(), Name: "Pista", Price: decimal.RequireFromString("50.00"), EventID: event.ID}
	if err := repo.InsertTicketType(ctx, tt); err != nil {
		t.Fatal(err)
	}
	ticketA := domain.NewTicket(tt, false)
	ticketB := domain.NewTicket(tt, false)
	for _, tk := range []domain.Ticket{ticketA, ticketB} {
		if err := repo.InsertTicket(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	userID := uuid.New()

	// Courtesy tickets are free and enter the inventory RESERVED.
	resp := doJSON(t, srv.URL+"/v1/tickets/courtesy/bulk", map[string]interface{}{
		"ticket_type_id": tt.ID.String(),
		"user_id":        userID.String(),
		"quantity":       2,
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("courtesy bulk: status %d", resp.StatusCode)
	}
	var courtesy []struct {
		ID     uuid.UUID       `json:"id"`
		Status string          `json:"status"`
		Price  decimal.Decimal `json:"price"`
	}
	json.NewDecoder(resp.Body).Decode(&courtesy)
	resp.Body.Close()
	if len(courtesy) != 2 {
		t.Fatalf("expected 2 courtesy tickets, got %d", len(courtesy))
	}
	for _, c := range courtesy {
		if c.Status != "RESERVED" || !c.Price.IsZero() {
			t.Errorf("expected free RESERVED courtesy ticket, got %s %s", c.Status, c.Price)
		}
	}

	// Manual ticket moves honor the state machine.
	patch, _ := json.Marshal(map[string]string{"status": "EXPIRED"})
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/v1/tickets/"+courtesy[0].ID.String(), bytes.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expire ticket: %v, status %d", err, resp.StatusCode)
	}
	resp.Body.Close()

	patch, _ = json.Marshal(map[string]string{"status": "PAID"})
	req, _ = http.NewRequest(http.MethodPatch, srv.URL+"/v1/tickets/"+courtesy[0].ID.String(), bytes.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for EXPIRED->PAID, got %v status %d", err, resp.StatusCode)
	}
	resp.Body.Close()

	// Promoter code via the admin endpoint.
	codeReq := map[string]interface{}{
		"code":           "FESTA20",
		"discount_type":  "FIXED_AMOUNT",
		"discount_value": "20",
		"start_date":     time.Now().Add(-time.Hour).Format(time.RFC3339),
		"end_date":       time.Now().Add(time.Hour).Format(time.RFC3339),
		"promoter_id":    uuid.New().String(),
	}
	resp = doJSON(t, srv.URL+"/v1/promoter-codes", codeReq, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create code: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Order: two 50.00 tickets minus fixed 20 discount.
	orderKey := uuid.New().String()
	orderReq := map[string]interface{}{
		"ticket_ids":     []string{ticketA.ID.String(), ticketB.ID.String()},
		"payment_method": "PIX",
		"promoter_code":  "FESTA20",
		"user_id":        userID.String(),
	}
	resp = doJSON(t, srv.URL+"/v1/orders", orderReq, orderKey)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order: status %d", resp.StatusCode)
	}
	var order struct {
		ID          uuid.UUID       `json:"id"`
		TotalAmount decimal.Decimal `json:"total_amount"`
		Status      string          `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&order)
	resp.Body.Close()
	if order.Status != "PENDING" {
		t.Errorf("expected PENDING order, got %s", order.Status)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("80")) {
		t.Errorf("expected total 80, got %s", order.TotalAmount)
	}

	// Replaying the same request with the same key returns the same order
	// without selling the tickets twice.
	resp = doJSON(t, srv.URL+"/v1/orders", orderReq, orderKey)
	var replay struct {
		ID uuid.UUID `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&replay)
	resp.Body.Close()
	if replay.ID != order.ID {
		t.Errorf("idempotent replay returned different order: %s vs %s", replay.ID, order.ID)
	}

	// PIX charge stays pending.
	resp = doJSON(t, srv.URL+"/v1/payments/pix", map[string]interface{}{
		"order_id": order.ID.String(), "name": "Ana", "cpf": "12345678900",
	}, uuid.New().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pix charge: status %d", resp.StatusCode)
	}
	var outcome struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
		Provider struct {
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"provider"`
	}
	json.NewDecoder(resp.Body).Decode(&outcome)
	resp.Body.Close()
	if outcome.Order.Status != "PENDING" || outcome.Provider.Status != "PENDING" {
		t.Errorf("expected pending pix charge, got order %s provider %s", outcome.Order.Status, outcome.Provider.Status)
	}
	if outcome.Provider.Metadata["qr_code"] == "" {
		t.Error("expected qr code in provider metadata")
	}

	// Status poll settles the order.
	statusResp, err := http.Get(srv.URL + "/v1/payments/status/" + order.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	var payStatus struct {
		OrderStatus string `json:"order_status"`
	}
	json.NewDecoder(statusResp.Body).Decode(&payStatus)
	statusResp.Body.Close()
	if payStatus.OrderStatus != "PAID" {
		t.Fatalf("expected PAID after poll, got %s", payStatus.OrderStatus)
	}

	got, err := repo.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range got.Tickets {
		if tk.Status != domain.TicketPaid {
			t.Errorf("expected PAID ticket, got %s", tk.Status)
		}
	}

	// Refund reverses the whole order.
	resp = doJSON(t, srv.URL+"/v1/payments/refund/"+order.ID.String(), map[string]interface{}{}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund: status %d", resp.StatusCode)
	}
	var refunded struct {
		Status  string `json:"status"`
		Tickets []struct {
			Status string `json:"status"`
		} `json:"tickets"`
	}
	json.NewDecoder(resp.Body).Decode(&refunded)
	resp.Body.Close()
	if refunded.Status != "REFUNDED" {
		t.Errorf("expected REFUNDED order, got %s", refunded.Status)
	}
	for _, tk := range refunded.Tickets {
		if tk.Status != "CANCELED" {
			t.Errorf("expected CANCELED ticket, got %s", tk.Status)
		}
	}

	// The outbox publisher must deliver created, paid and refunded events.
	want := map[string]bool{"order.created": false, "order.paid": false, "order.refunded": false}
	deadline := time.After(15 * time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case d := <-deliveries:
			if seen, ok := want[d.RoutingKey]; ok && !seen {
				want[d.RoutingKey] = true
				remaining--
			}
			d.Ack(false)
		case <-deadline:
			t.Fatalf("timed out waiting for outbox events, got %v", want)
		}
	}

	// Audit trail landed in Mongo.
	count, err := mongoClient.Database("ticketeria").Collection("audit_logs").CountDocuments(ctx, bson.M{"action": "order.refunded"})
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("expected order.refunded audit log")
	}
}

func doJSON(t *testing.T, url string, payload interface{}, idempKey string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempKey != "" {
		req.Header.Set("Idempotency-Key", idempKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
