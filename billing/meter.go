package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/metrics"
)

// MeterConfig prices sandbox running time.
type MeterConfig struct {
	// PollInterval is how often running instances are charged. Zero disables
	// periodic charging; running time is then billed only at exit.
	PollInterval time.Duration

	// UnitDuration is the running time covered by one compute unit.
	UnitDuration time.Duration

	// PricePerUnit is the balance debited per compute unit.
	PricePerUnit int64

	// KillOnExhaustion kills an instance when a periodic charge empties its
	// balance. When false, running time is still charged but never stops the instance.
	KillOnExhaustion bool

	Log *slog.Logger
}

// Meter implements interfaces.MeteringBiller.
type Meter struct {
	cfg    MeterConfig
	ledger interfaces.BillingLedger
	log    *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*meteredRun
}

type meteredRun struct {
	token    string
	instance interfaces.Instance

	// mu serializes charges for the run and guards billedUntil
	mu          sync.Mutex
	billedUntil time.Time

	stop    chan struct{}
	stopped chan struct{}
}

func NewMeter(cfg MeterConfig, ledger interfaces.BillingLedger) (*Meter, error) {
	if cfg.UnitDuration <= 0 {
		return nil, errors.New("compute unit duration must be positive")
	}
	if cfg.PricePerUnit < 0 {
		return nil, errors.New("price per compute unit must not be negative")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Meter{
		cfg:    cfg,
		ledger: ledger,
		log:    cfg.Log,
		now:    time.Now,
		runs:   make(map[string]*meteredRun),
	}, nil
}

// Track starts metering instance on behalf of token. Time is billed from the
// instance's start.
func (m *Meter) Track(token string, instance interfaces.Instance) {
	run := &meteredRun{
		token:       token,
		instance:    instance,
		billedUntil: instance.StartedAt(),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	m.mu.Lock()
	previous := m.runs[token]
	m.runs[token] = run
	m.mu.Unlock()

	if previous != nil {
		m.log.Warn("Replacing metered run that was never charged", "token", token)
		previous.halt()
	}

	if m.cfg.PollInterval <= 0 {
		close(run.stopped)
		return
	}

	go m.poll(run)
}

// ChargeToken bills the remaining running time of the token's instance, rounding
// a partial compute unit up, and stops metering it. It charges at most once per
// tracked run; later calls fail with ErrRunNotTracked.
func (m *Meter) ChargeToken(ctx context.Context, token string) (*interfaces.Receipt, error) {
	m.mu.Lock()
	run, ok := m.runs[token]
	if ok {
		delete(m.runs, token)
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrRunNotTracked, token)
	}

	run.halt()

	receipt, err := m.settle(ctx, run, true)
	if err != nil {
		m.log.Error("Failed to charge token", "token", token, "err", err)
		return nil, err
	}

	m.log.Info("Charged token for instance run",
		"token", token,
		"amount", receipt.Amount,
		"balance", receipt.Balance,
		"running", m.now().Sub(run.instance.StartedAt()))

	return receipt, nil
}

// Cost returns the compute units and price of a running duration.
func (m *Meter) Cost(elapsed time.Duration, roundUp bool) (units int64, amount int64) {
	if elapsed <= 0 {
		return 0, 0
	}

	units = int64(elapsed / m.cfg.UnitDuration)
	if roundUp && elapsed%m.cfg.UnitDuration != 0 {
		units++
	}
	return units, units * m.cfg.PricePerUnit
}

func (m *Meter) poll(run *meteredRun) {
	defer close(run.stopped)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-run.stop:
			return
		case <-run.instance.Done():
			return
		case <-ticker.C:
			receipt, err := m.settle(context.Background(), run, false)
			if err != nil {
				m.log.Warn("Periodic charge failed", "token", run.token, "err", err)
				continue
			}

			if receipt != nil && receipt.Exhausted && m.cfg.KillOnExhaustion {
				m.log.Info("Balance exhausted, terminating instance", "token", run.token)
				metrics.BalanceExhaustedKillsTotal.Inc()
				if err := run.instance.Kill(); err != nil {
					m.log.Error("Failed to kill instance", "token", run.token, "err", err)
				}
				return
			}
		}
	}
}

// settle charges the time elapsed since the last charge. Periodic charges only
// bill whole units and return a nil receipt when there is nothing to bill.
func (m *Meter) settle(ctx context.Context, run *meteredRun, final bool) (*interfaces.Receipt, error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	units, amount := m.Cost(m.now().Sub(run.billedUntil), final)
	if units == 0 && !final {
		return nil, nil
	}

	receipt, err := m.ledger.Charge(ctx, run.token, amount)
	if err != nil {
		return nil, err
	}

	run.billedUntil = run.billedUntil.Add(time.Duration(units) * m.cfg.UnitDuration)

	metrics.ChargesTotal.Inc()
	metrics.ChargedAmountTotal.Add(float64(receipt.Amount))

	return receipt, nil
}

func (r *meteredRun) halt() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.stopped
}
