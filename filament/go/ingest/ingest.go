// Package ingest runs the telemetry ingestion path: one MQTT subscriber per
// printer feeding a bounded channel, and a single consumer loop that
// persists raw events and deduplicated normalized events.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/config"
	"go.filafarm.org/infra/filament/go/crypto"
	"go.filafarm.org/infra/filament/go/estimate"
	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/metrics2"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

// Frame is one telemetry frame as handed off by a subscriber callback.
type Frame struct {
	PrinterID  uuid.UUID
	PrinterIP  string
	AccessCode string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Subscriber is a long-lived subscription to one printer's report topic.
type Subscriber interface {
	// Start begins delivering frames. It must not block on the broker
	// being reachable.
	Start() error

	// Stop tears the subscription down.
	Stop()
}

// SubscriberFactory builds a Subscriber for one printer. Received payloads
// go to deliver, which must be safe to call from transport threads.
type SubscriberFactory func(p store.Printer, accessCode string, deliver func(topic string, payload []byte)) Subscriber

// Ingestor owns the subscribers and the consumer loop.
type Ingestor struct {
	db            store.Store
	est           *estimate.Client
	sealer        *crypto.Sealer
	cfg           config.EngineConfig
	newSubscriber SubscriberFactory
	ch            chan Frame

	framesReceived metrics2.Counter
	framesDropped  metrics2.Counter
	dedupeSkipped  metrics2.Counter
	liveness       *metrics2.Liveness
}

// New returns an Ingestor. A nil factory selects the production MQTT
// subscriber.
func New(db store.Store, est *estimate.Client, sealer *crypto.Sealer, cfg config.EngineConfig, factory SubscriberFactory) *Ingestor {
	if factory == nil {
		factory = MQTTSubscriberFactory(cfg.AllowInsecureMQTTTLS)
	}
	return &Ingestor{
		db:             db,
		est:            est,
		sealer:         sealer,
		cfg:            cfg,
		newSubscriber:  factory,
		ch:             make(chan Frame, cfg.QueueCapacity),
		framesReceived: metrics2.GetCounter("filament_ingest_frames", map[string]string{"result": "received"}),
		framesDropped:  metrics2.GetCounter("filament_ingest_frames", map[string]string{"result": "dropped"}),
		dedupeSkipped:  metrics2.GetCounter("filament_ingest_frames", map[string]string{"result": "deduped"}),
		liveness:       metrics2.NewLiveness("filament_ingest_consumer"),
	}
}

// printerRefreshInterval is how often the printer table is re-read so
// printers registered while the engine runs pick up a subscriber.
const printerRefreshInterval = time.Minute

// Run keeps one subscriber per registered printer and consumes frames until
// the context is canceled. The current frame's transaction always completes
// before Run returns.
func (i *Ingestor) Run(ctx context.Context) error {
	subscribers := map[uuid.UUID]Subscriber{}
	defer func() {
		for _, sub := range subscribers {
			sub.Stop()
		}
	}()
	if err := i.syncSubscribers(ctx, subscribers); err != nil {
		return skerr.Wrap(err)
	}

	refresh := time.NewTicker(printerRefreshInterval)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			if err := i.syncSubscribers(ctx, subscribers); err != nil {
				sklog.Errorf("Refreshing printer subscriptions: %s", err)
			}
		case f := <-i.ch:
			if err := i.ProcessFrame(ctx, f); err != nil {
				sklog.Errorf("Processing frame from printer %s: %s", f.PrinterID, err)
			}
			i.liveness.ResetWithContext(ctx)
		}
	}
}

// syncSubscribers reconciles the running subscribers with the printer
// table: a newly registered printer gets a subscriber, a deleted printer
// loses its subscriber.
func (i *Ingestor) syncSubscribers(ctx context.Context, subscribers map[uuid.UUID]Subscriber) error {
	printers, err := i.db.Printers().List(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	registered := map[uuid.UUID]bool{}
	for _, p := range printers {
		registered[p.ID] = true
		if _, ok := subscribers[p.ID]; ok {
			continue
		}
		accessCode, err := i.sealer.Open(p.AccessCodeSealed)
		if err != nil {
			sklog.Errorf("Skipping printer %s: unsealing access code: %s", p.Serial, err)
			continue
		}
		p := p
		code := accessCode
		sub := i.newSubscriber(p, code, func(topic string, payload []byte) {
			i.enqueue(p, code, topic, payload)
		})
		if err := sub.Start(); err != nil {
			sklog.Errorf("Starting subscriber for printer %s: %s", p.Serial, err)
			continue
		}
		subscribers[p.ID] = sub
		sklog.Infof("Subscribed to printer %s at %s", p.Serial, p.IP)
	}
	for id, sub := range subscribers {
		if !registered[id] {
			sub.Stop()
			delete(subscribers, id)
		}
	}
	return nil
}

// enqueue hands a frame to the consumer loop, dropping with a warning when
// the queue is full. Runs on transport threads and never touches the
// database.
func (i *Ingestor) enqueue(p store.Printer, accessCode, topic string, payload []byte) {
	i.framesReceived.Inc(1)
	f := Frame{
		PrinterID:  p.ID,
		PrinterIP:  p.IP,
		AccessCode: accessCode,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	select {
	case i.ch <- f:
	default:
		i.framesDropped.Inc(1)
		sklog.Warningf("Ingest queue full, dropping frame from printer %s", p.Serial)
	}
}

// ProcessFrame persists one frame: the raw event always, the normalized
// event unless the payload is malformed or a deduplicated progress frame.
func (i *Ingestor) ProcessFrame(ctx context.Context, f Frame) error {
	return i.db.Transact(ctx, func(ctx context.Context, txn store.Store) error {
		hash := normalize.PayloadHash(f.Payload)
		rawID, err := txn.Events().InsertRaw(ctx, store.RawEvent{
			PrinterID:   f.PrinterID,
			Topic:       f.Topic,
			Payload:     f.Payload,
			ContentHash: hash,
			ReceivedAt:  f.ReceivedAt,
		})
		if err != nil {
			return skerr.Wrap(err)
		}
		if err := txn.Printers().TouchOnline(ctx, f.PrinterID, now.Now(ctx).UTC()); err != nil {
			return skerr.Wrap(err)
		}

		data, err := normalize.FromPayload(f.Payload)
		if err != nil {
			// Malformed input keeps its raw event and is not retried.
			sklog.Debugf("Unparseable payload from printer %s: %s", f.PrinterID, err)
			return nil
		}

		jobKey := normalize.JobKey(f.PrinterID.String(), f.ReceivedAt, data)
		if jobKey != "" {
			if est, ok := i.cachedEstimate(jobKey); ok {
				applyEstimate(&data, est)
			}
		}

		prev, err := txn.Events().LastForPrinter(ctx, f.PrinterID)
		if err != nil {
			return skerr.Wrap(err)
		}
		prevState := ""
		if prev != nil {
			prevState = prev.Data.GcodeState
		}
		evType := normalize.DeriveEventType(prevState, data.GcodeState)

		if evType == normalize.TypePrintProgress && prev != nil && prev.Data.Signature() == data.Signature() {
			i.dedupeSkipped.Inc(1)
			i.maybeScheduleEstimate(ctx, f, jobKey, data)
			return nil
		}

		_, _, err = txn.Events().InsertNormalized(ctx, store.NormalizedEvent{
			EventID:    normalize.EventID(f.PrinterID.String(), hash),
			PrinterID:  f.PrinterID,
			Type:       evType,
			OccurredAt: f.ReceivedAt,
			Data:       data,
			RawEventID: &rawID,
		})
		if err != nil {
			return skerr.Wrap(err)
		}
		i.maybeScheduleEstimate(ctx, f, jobKey, data)
		return nil
	})
}

// maybeScheduleEstimate opportunistically kicks off the estimator while a
// print is being prepared or running.
func (i *Ingestor) maybeScheduleEstimate(ctx context.Context, f Frame, jobKey string, data normalize.EventData) {
	if i.est == nil || jobKey == "" {
		return
	}
	if data.GcodeState != normalize.StatePrepare && data.GcodeState != normalize.StateRunning {
		return
	}
	if _, ok := i.est.GetCached(jobKey); ok {
		return
	}
	i.est.MaybeSchedule(ctx, estimate.Request{
		JobKey:        jobKey,
		PrinterIP:     f.PrinterIP,
		AccessCode:    f.AccessCode,
		SubtaskName:   data.SubtaskName,
		GcodeFileHint: data.GcodeFile,
	})
}

func (i *Ingestor) cachedEstimate(jobKey string) (estimate.Estimate, bool) {
	if i.est == nil {
		return estimate.Estimate{}, false
	}
	est, ok := i.est.GetCached(jobKey)
	if !ok || est.Error != "" || len(est.PerFilament) == 0 {
		return estimate.Estimate{}, false
	}
	return est, true
}

// applyEstimate overlays a cached slicer estimate onto the normalized data
// when the payload itself carries no filament entries. The estimate fields
// feed the dedupe signature, so a newly-arrived estimate always reaches the
// settlement engine.
func applyEstimate(d *normalize.EventData, est estimate.Estimate) {
	if len(d.Filaments) == 0 {
		for _, fe := range est.PerFilament {
			total := fe.TotalG
			d.Filaments = append(d.Filaments, normalize.Filament{
				TrayID:   fe.TrayID,
				Type:     fe.Type,
				ColorHex: fe.ColorHex,
				TotalG:   &total,
				Source:   est.Source,
			})
		}
		// Estimate entries are tray-addressed by the slicer; an entry
		// that cannot be matched to a tray must not be lumped onto the
		// active one.
		d.FilamentStrictNoFallback = true
	}
	d.EstimateSource = est.Source
	d.EstimateConfidence = est.Confidence
}
