package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/voice-appointment-orchestrator/internal/config"
	"github.com/hackgods/voice-appointment-orchestrator/internal/logger"
)

// simulate drives concurrent synthetic callers against a running api-server
// through the telephony endpoints, using structured JSON intents in place of
// audio.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	CancelRatio float64
	HotRatio    float64 // share of bookings aimed at one contended slot
	PollTimeout time.Duration
}

type target struct {
	RoutingKey string
	ProviderID uuid.UUID
	Slots      []time.Time
}

type DataPool struct {
	Targets []target
	Hot     target // first open slot of the first provider

	mu           sync.Mutex
	appointments []string // booked appointment ids with their routing keys
	routes       []string
}

func (dp *DataPool) AddAppointment(id, routingKey string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
	dp.routes = append(dp.routes, routingKey)
}

// TakeAppointment removes a random booked appointment so it is canceled once.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (id, routingKey string, ok bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return "", "", false
	}
	i := rng.IntN(len(dp.appointments))
	id, routingKey = dp.appointments[i], dp.routes[i]
	last := len(dp.appointments) - 1
	dp.appointments[i], dp.routes[i] = dp.appointments[last], dp.routes[last]
	dp.appointments, dp.routes = dp.appointments[:last], dp.routes[:last]
	return id, routingKey, true
}

type result int

const (
	resultOK        result = iota
	resultContended        // booked after losing a hold race, or admission rate limited
	resultFailed
	resultKinds
)

// opStats tallies one kind of simulated call.
type opStats struct {
	mu        sync.Mutex
	results   [resultKinds]int
	latencies []time.Duration
}

func (o *opStats) add(latency time.Duration, r result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[r]++
	o.latencies = append(o.latencies, latency)
}

type opSummary struct {
	Calls                 int
	OK, Contended, Failed int
	Mean, P50, P95, Max   time.Duration
}

func (o *opStats) summary() opSummary {
	o.mu.Lock()
	sum := opSummary{
		OK:        o.results[resultOK],
		Contended: o.results[resultContended],
		Failed:    o.results[resultFailed],
	}
	lat := slices.Clone(o.latencies)
	o.mu.Unlock()

	sum.Calls = len(lat)
	if sum.Calls == 0 {
		return sum
	}
	slices.Sort(lat)
	var total time.Duration
	for _, l := range lat {
		total += l
	}
	sum.Mean = total / time.Duration(len(lat))
	sum.P50 = percentile(lat, 50)
	sum.P95 = percentile(lat, 95)
	sum.Max = lat[len(lat)-1]
	return sum
}

func percentile(sorted []time.Duration, p int) time.Duration {
	return sorted[min(len(sorted)*p/100, len(sorted)-1)]
}

type tally struct {
	Admit      opStats
	Booking    opStats
	HotBooking opStats
	Cancel     opStats
	Outcomes   sync.Map // outcome -> *atomic.Int64
}

func (t *tally) outcome(name string) {
	v, _ := t.Outcomes.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	tally   tally
	log     zerolog.Logger
}

func main() {
	log := logger.New(config.String("APP_ENV", "dev"), config.String("LOG_LEVEL", "info")).With().Str("service", "simulate").Logger()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("cancel_ratio", cfg.CancelRatio).
		Float64("hot_ratio", cfg.HotRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := sim.loadDataPool(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	sim.pool = pool
	log.Info().Int("providers", len(pool.Targets)).Time("hot_slot", pool.Hot.Slots[0]).Msg("loaded schedule")

	sim.Run()
	sim.PrintReport(os.Stdout)
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:  strings.TrimRight(config.String("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:    config.Duration("SIM_DURATION", 30*time.Second),
		Workers:     config.Int("SIM_WORKERS", 10),
		CancelRatio: config.Float("SIM_CANCEL_RATIO", 0.2),
		HotRatio:    config.Float("SIM_HOT_RATIO", 0.3),
		PollTimeout: config.Duration("SIM_POLL_TIMEOUT", 10*time.Second),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.CancelRatio < 0 || cfg.CancelRatio > 1 || cfg.HotRatio < 0 || cfg.HotRatio > 1 {
		return fmt.Errorf("SIM_CANCEL_RATIO and SIM_HOT_RATIO must be within [0, 1]")
	}
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	var providers []struct {
		ID         uuid.UUID `json:"id"`
		RoutingKey string    `json:"routing_key"`
	}
	if err := s.getJSON(ctx, "/v1/providers", &providers); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	pool := &DataPool{}
	for _, p := range providers {
		var slots []struct {
			StartTime time.Time `json:"start_time"`
		}
		if err := s.getJSON(ctx, "/v1/providers/"+p.ID.String()+"/slots", &slots); err != nil {
			return nil, fmt.Errorf("list slots for %s: %w", p.RoutingKey, err)
		}
		if len(slots) == 0 {
			continue
		}
		t := target{RoutingKey: p.RoutingKey, ProviderID: p.ID}
		for _, sl := range slots {
			t.Slots = append(t.Slots, sl.StartTime)
		}
		pool.Targets = append(pool.Targets, t)
	}
	if len(pool.Targets) == 0 {
		return nil, errors.New("no open slots in the next week")
	}
	pool.Hot = target{
		RoutingKey: pool.Targets[0].RoutingKey,
		ProviderID: pool.Targets[0].ProviderID,
		Slots:      pool.Targets[0].Slots[:1],
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	seed := uint64(time.Now().UnixNano()) + uint64(workerID)
	rng := rand.New(rand.NewPCG(seed, uint64(workerID)))
	faker := gofakeit.New(seed)

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.CancelRatio:
			s.doCancel(ctx, rng, faker)
		case r < s.config.CancelRatio+(1-s.config.CancelRatio)*s.config.HotRatio:
			s.doBooking(ctx, s.pool.Hot, rng, faker, &s.tally.HotBooking)
		default:
			t := s.pool.Targets[rng.IntN(len(s.pool.Targets))]
			s.doBooking(ctx, t, rng, faker, &s.tally.Booking)
		}
	}
}

type callResult struct {
	Outcome       string
	AppointmentID string
	Conflicts     int
}

// doBooking runs one caller asking for a specific time and accepting the
// offer, whatever it is.
func (s *Simulator) doBooking(ctx context.Context, t target, rng *rand.Rand, faker *gofakeit.Faker, stats *opStats) {
	desired := t.Slots[rng.IntN(len(t.Slots))]
	start := time.Now()

	callID, ok := s.admit(ctx, t.RoutingKey, faker)
	if !ok {
		return
	}

	err := s.say(ctx, callID, map[string]any{
		"intent":       "book",
		"desired_time": desired,
		"patient_ref":  "PT-" + faker.DigitN(6),
		"confidence":   0.95,
	})
	if err == nil {
		var state string
		state, err = s.waitFor(ctx, callID, "confirmation")
		if err == nil && state == "confirmation" {
			err = s.say(ctx, callID, map[string]any{"intent": "affirm", "confidence": 0.95})
		}
	}
	if err == nil {
		err = s.waitRetired(ctx, callID)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug().Err(err).Str("call_id", callID).Msg("booking call failed")
			stats.add(time.Since(start), resultFailed)
		}
		_ = s.post(ctx, "/v1/calls/"+callID+"/hangup", nil, nil)
		return
	}

	res, err := s.result(ctx, callID)
	latency := time.Since(start)
	if err != nil {
		stats.add(latency, resultFailed)
		return
	}
	s.tally.outcome(res.Outcome)
	switch {
	case res.Outcome != "booked":
		stats.add(latency, resultFailed)
		return
	case res.Conflicts > 0:
		stats.add(latency, resultContended)
	default:
		stats.add(latency, resultOK)
	}
	s.pool.AddAppointment(res.AppointmentID, t.RoutingKey)
}

var cancelReasons = []string{
	"feeling better",
	"schedule conflict",
	"travelling",
	"found another clinic",
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	apptID, route, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()

	callID, ok := s.admit(ctx, route, faker)
	if !ok {
		return
	}
	err := s.say(ctx, callID, map[string]any{
		"intent":         "cancel",
		"appointment_id": apptID,
		"reason":         faker.RandomString(cancelReasons),
		"confidence":     0.95,
	})
	if err == nil {
		err = s.waitRetired(ctx, callID)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.tally.Cancel.add(time.Since(start), resultFailed)
		}
		_ = s.post(ctx, "/v1/calls/"+callID+"/hangup", nil, nil)
		return
	}

	res, err := s.result(ctx, callID)
	if err != nil {
		s.tally.Cancel.add(time.Since(start), resultFailed)
		return
	}
	s.tally.outcome(res.Outcome)
	r := resultFailed
	if res.Outcome == "canceled" {
		r = resultOK
	}
	s.tally.Cancel.add(time.Since(start), r)
}

func (s *Simulator) admit(ctx context.Context, routingKey string, faker *gofakeit.Faker) (string, bool) {
	callID := "sim-" + uuid.NewString()
	start := time.Now()

	err := s.post(ctx, "/v1/calls", map[string]string{
		"call_id":       callID,
		"caller_number": "+1" + faker.Phone(),
		"routing_key":   routingKey,
	}, nil)
	latency := time.Since(start)

	var se statusError
	switch {
	case err == nil:
		s.tally.Admit.add(latency, resultOK)
		return callID, true
	case errors.As(err, &se) && se.code == http.StatusTooManyRequests:
		s.tally.Admit.add(latency, resultContended)
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
	default:
		if ctx.Err() == nil {
			s.tally.Admit.add(latency, resultFailed)
		}
	}
	return "", false
}

func (s *Simulator) say(ctx context.Context, callID string, intent map[string]any) error {
	return s.post(ctx, "/v1/calls/"+callID+"/turns", intent, nil)
}

// waitFor polls until the call reaches want or any terminal-looking state.
// A retired call reports state "".
func (s *Simulator) waitFor(ctx context.Context, callID, want string) (string, error) {
	deadline := time.Now().Add(s.config.PollTimeout)
	for time.Now().Before(deadline) {
		var snap struct {
			State string `json:"state"`
		}
		err := s.getJSON(ctx, "/v1/calls/"+callID, &snap)
		var se statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		switch snap.State {
		case want, "completed", "canceled", "failed", "handoff_requested":
			return snap.State, nil
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("call %s did not reach %s within %s", callID, want, s.config.PollTimeout)
}

func (s *Simulator) waitRetired(ctx context.Context, callID string) error {
	deadline := time.Now().Add(s.config.PollTimeout)
	for time.Now().Before(deadline) {
		err := s.getJSON(ctx, "/v1/calls/"+callID, nil)
		var se statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("call %s did not retire within %s", callID, s.config.PollTimeout)
}

func (s *Simulator) result(ctx context.Context, callID string) (callResult, error) {
	var events []struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := s.getJSON(ctx, "/v1/calls/"+callID+"/history", &events); err != nil {
		return callResult{}, err
	}

	var res callResult
	for _, ev := range events {
		switch ev.Type {
		case "hold.conflict":
			res.Conflicts++
		case "call.retired":
			var summary struct {
				Outcome       string `json:"outcome"`
				AppointmentID string `json:"appointment_id"`
			}
			if err := json.Unmarshal(ev.Payload, &summary); err != nil {
				return callResult{}, err
			}
			res.Outcome = summary.Outcome
			res.AppointmentID = summary.AppointmentID
		}
	}
	if res.Outcome == "" {
		return callResult{}, fmt.Errorf("call %s has no retirement record", callID)
	}
	return res, nil
}

type statusError struct {
	code int
	path string
}

func (e statusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.path, e.code)
}

func (s *Simulator) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Simulator) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *Simulator) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError{code: resp.StatusCode, path: req.URL.Path}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PrintReport writes one row per kind of call and the spread of call
// outcomes. For admissions the contended column counts 429s.
func (s *Simulator) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "\n%d workers for %s against %s\n\n", s.config.Workers, s.config.Duration, s.config.APIBaseURL)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tTOTAL\tOK\tCONTENDED\tFAILED\tMEAN\tP50\tP95\tMAX")
	for _, op := range []struct {
		name  string
		stats *opStats
	}{
		{"admission", &s.tally.Admit},
		{"booking", &s.tally.Booking},
		{"contended booking", &s.tally.HotBooking},
		{"cancel", &s.tally.Cancel},
	} {
		sum := op.stats.summary()
		if sum.Calls == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			op.name, sum.Calls, sum.OK, sum.Contended, sum.Failed,
			sum.Mean.Round(time.Millisecond), sum.P50.Round(time.Millisecond),
			sum.P95.Round(time.Millisecond), sum.Max.Round(time.Millisecond))
	}
	_ = tw.Flush()

	var names []string
	s.tally.Outcomes.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	if len(names) == 0 {
		return
	}
	slices.Sort(names)

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tCALLS")
	for _, name := range names {
		v, _ := s.tally.Outcomes.Load(name)
		fmt.Fprintf(tw, "%s\t%d\n", name, v.(*atomic.Int64).Load())
	}
	_ = tw.Flush()
}
