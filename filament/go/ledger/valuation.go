package ledger

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/skerr"
)

// Valuation is the weighted-average cost view of one stock.
type Valuation struct {
	PurchasedValueTotal float64
	ConsumedValueEst    float64
	RemainingValueEst   float64
	ConsumedRollsEst    float64
}

// valuationEvent is one replayed step: a priced purchase or a consumption.
type valuationEvent struct {
	at         int64
	isPurchase bool
	grams      float64
	cost       float64
}

// Valuate replays the stock's priced purchases and non-voided consumptions
// in timestamp order (ties: purchases first) and prices each consumption at
// the weighted-average unit cost of the priced balance at that moment.
// Grams not covered by the priced balance contribute zero cost.
func Valuate(ctx context.Context, s store.Store, stockID uuid.UUID) (Valuation, error) {
	var ret Valuation
	stock, err := s.Stocks().Get(ctx, stockID)
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	rows, err := s.Ledger().ListByStock(ctx, stockID)
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	recs, err := s.Consumptions().ListByStock(ctx, stockID)
	if err != nil {
		return ret, skerr.Wrap(err)
	}

	events := []valuationEvent{}
	for _, row := range rows {
		if row.Kind != store.KindPurchase || row.PriceTotal == nil || row.VoidedAt != nil {
			continue
		}
		events = append(events, valuationEvent{
			at:         row.CreatedAt.UnixNano(),
			isPurchase: true,
			grams:      row.DeltaGrams,
			cost:       *row.PriceTotal,
		})
	}
	consumedGrams := 0.0
	for _, rec := range recs {
		if rec.VoidedAt != nil {
			continue
		}
		consumedGrams += rec.Grams
		events = append(events, valuationEvent{
			at:    rec.CreatedAt.UnixNano(),
			grams: rec.Grams,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].isPurchase && !events[j].isPurchase
	})

	balanceGrams := 0.0
	balanceCost := 0.0
	for _, ev := range events {
		if ev.isPurchase {
			balanceGrams += ev.grams
			balanceCost += ev.cost
			ret.PurchasedValueTotal += ev.cost
			continue
		}
		if balanceGrams <= 0 {
			continue
		}
		covered := ev.grams
		if covered > balanceGrams {
			covered = balanceGrams
		}
		unitCost := balanceCost / balanceGrams
		drawn := covered * unitCost
		ret.ConsumedValueEst += drawn
		balanceGrams -= covered
		balanceCost -= drawn
	}
	ret.RemainingValueEst = balanceCost
	if stock.RollWeightGrams > 0 {
		ret.ConsumedRollsEst = consumedGrams / stock.RollWeightGrams
	}
	return ret, nil
}
