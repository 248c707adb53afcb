package exchange

import (
	"context"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// OpenStrategy serves last prices straight from the local instrument tables.
// It never consults pooled data and never accepts pushes.
type OpenStrategy struct {
	domain string
}

func (s *OpenStrategy) Mode() models.AcceptRequestType { return models.AcceptOpen }

func (s *OpenStrategy) LastPrices(ctx context.Context, db store.DataStore, refs []models.InstrumentRef) ([]PricePoint, error) {
	points := make([]PricePoint, 0, len(refs))
	for _, ref := range refs {
		point, ok, err := localLastPrice(ctx, db, ref, s.domain)
		if err != nil {
			return nil, err
		}
		if ok {
			points = append(points, point)
		}
	}
	return points, nil
}

func (s *OpenStrategy) Absorb(ctx context.Context, db store.DataStore, sourceDomain string, records []PushRecord) (int, error) {
	return 0, ErrPushNotNegotiated
}

// localLastPrice reads the last price of a locally tracked instrument.
func localLastPrice(ctx context.Context, db store.DataStore, ref models.InstrumentRef, domain string) (PricePoint, bool, error) {
	if ref.IsCurrencyPair() {
		pair, err := db.GetCurrencyPair(ctx, ref.FromCurrency, ref.ToCurrency)
		if err != nil || pair == nil || pair.LastPriceTime == nil {
			return PricePoint{}, false, err
		}
		return PricePoint{
			InstrumentRef: ref,
			Price:         pair.LastPrice,
			Timestamp:     pair.LastPriceTime.UnixMilli(),
			Source:        domain,
		}, true, nil
	}

	sec, err := db.GetSecurity(ctx, ref.ISIN, ref.Currency)
	if err != nil || sec == nil || sec.LastPriceTime == nil {
		return PricePoint{}, false, err
	}
	return PricePoint{
		InstrumentRef: ref,
		Price:         sec.LastPrice,
		Timestamp:     sec.LastPriceTime.UnixMilli(),
		Source:        domain,
	}, true, nil
}
