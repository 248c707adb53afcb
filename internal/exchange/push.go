package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grafioschtrader/gtnet/internal/models"
	"github.com/grafioschtrader/gtnet/internal/store"
)

// ErrPushNotNegotiated is returned when pushed data arrives on an exchange
// that never reached PUSH_OPEN.
var ErrPushNotNegotiated = errors.New("exchange: push not negotiated for this peer and kind")

// PushStrategy extends the open exchange with the shared lastprice pool.
// Pushed records for locally tracked instruments land in the local tables;
// everything else goes to the foreign cache and, when Redis is available,
// the cross-peer pool. Queries fall back to pooled prices from other sources
// for instruments this instance does not track itself.
type PushStrategy struct {
	redis  *store.RedisStore
	domain string
}

func (s *PushStrategy) Mode() models.AcceptRequestType { return models.AcceptPushOpen }

func (s *PushStrategy) LastPrices(ctx context.Context, db store.DataStore, refs []models.InstrumentRef) ([]PricePoint, error) {
	points := make([]PricePoint, 0, len(refs))
	var misses []models.InstrumentRef

	for _, ref := range refs {
		point, ok, err := localLastPrice(ctx, db, ref, s.domain)
		if err != nil {
			return nil, err
		}
		if ok {
			points = append(points, point)
			continue
		}
		misses = append(misses, ref)
	}
	if len(misses) == 0 {
		return points, nil
	}
	pooled, err := s.pooledLastPrices(ctx, db, misses)
	if err != nil {
		return nil, err
	}
	return append(points, pooled...), nil
}

// pooledLastPrices resolves instruments this instance does not track. Pool
// entries are keyed by their source domain, so every known peer is a
// candidate origin; all candidate keys go to Redis in one batch, with the
// persisted foreign cache as the fallback per miss.
func (s *PushStrategy) pooledLastPrices(ctx context.Context, db store.DataStore, misses []models.InstrumentRef) ([]PricePoint, error) {
	peers, err := db.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, nil
	}

	// keys[m*len(peers)+p] addresses miss m via the domain of peer p.
	keys := make([]string, 0, len(misses)*len(peers))
	for _, ref := range misses {
		for i := range peers {
			keys = append(keys, ref.SyntheticKey(peers[i].Domain))
		}
	}

	var entries []*store.PoolPrice
	if s.redis != nil {
		entries, err = s.redis.GetPoolPrices(ctx, keys)
		if err != nil {
			return nil, err
		}
	}

	var points []PricePoint
	for mi, ref := range misses {
		point, ok, err := s.resolveMiss(ctx, db, ref, entries, keys, mi*len(peers), len(peers))
		if err != nil {
			return nil, err
		}
		if ok {
			points = append(points, point)
		}
	}
	return points, nil
}

func (s *PushStrategy) resolveMiss(ctx context.Context, db store.DataStore, ref models.InstrumentRef, entries []*store.PoolPrice, keys []string, base, n int) (PricePoint, bool, error) {
	for i := base; i < base+n; i++ {
		if entries != nil && entries[i] != nil {
			return PricePoint{
				InstrumentRef: ref,
				Price:         entries[i].Price,
				Timestamp:     entries[i].Timestamp,
				Source:        entries[i].SourceDomain,
			}, true, nil
		}
	}
	for i := base; i < base+n; i++ {
		fi, err := db.GetForeignInstrument(ctx, keys[i])
		if err != nil {
			return PricePoint{}, false, err
		}
		if fi != nil && fi.LastPriceTime != nil {
			return PricePoint{
				InstrumentRef: ref,
				Price:         fi.LastPrice,
				Timestamp:     fi.LastPriceTime.UnixMilli(),
				Source:        fi.SourceDomain,
			}, true, nil
		}
	}
	return PricePoint{}, false, nil
}

// Absorb routes pushed records by locality. A record for an instrument this
// instance tracks updates the local tables; anything else lands in the
// foreign cache keyed by its source domain. History rows for dates already
// present are skipped, never overwritten.
func (s *PushStrategy) Absorb(ctx context.Context, db store.DataStore, sourceDomain string, records []PushRecord) (int, error) {
	accepted := 0
	for _, rec := range records {
		at := time.UnixMilli(rec.Timestamp)

		localID, err := resolveLocal(ctx, db, rec.InstrumentRef)
		if err != nil {
			return accepted, err
		}

		if localID != nil {
			if rec.IsCurrencyPair() {
				err = db.UpdateCurrencyPairLastPrice(ctx, *localID, rec.Price, at)
			} else {
				err = db.UpdateSecurityLastPrice(ctx, *localID, rec.Price, at)
			}
			if err != nil {
				return accepted, err
			}
			if len(rec.History) > 0 {
				quotes, err := toQuotes(*localID, rec.History)
				if err != nil {
					return accepted, err
				}
				if _, err := db.InsertHistoryQuotes(ctx, *localID, quotes); err != nil {
					return accepted, err
				}
			}
			accepted++
			continue
		}

		key := rec.SyntheticKey(sourceDomain)
		fi := &models.ForeignInstrument{
			Key:           key,
			SourceDomain:  sourceDomain,
			ISIN:          rec.ISIN,
			Currency:      rec.Currency,
			FromCurrency:  rec.FromCurrency,
			ToCurrency:    rec.ToCurrency,
			LastPrice:     rec.Price,
			LastPriceTime: &at,
		}
		if err := db.UpsertForeignInstrument(ctx, fi); err != nil {
			return accepted, err
		}
		if len(rec.History) > 0 {
			quotes, err := toQuotes(uuid.Nil, rec.History)
			if err != nil {
				return accepted, err
			}
			if _, err := db.InsertForeignHistory(ctx, key, quotes); err != nil {
				return accepted, err
			}
		}
		if s.redis != nil {
			entry := &store.PoolPrice{
				Key:          key,
				SourceDomain: sourceDomain,
				Price:        rec.Price,
				Timestamp:    rec.Timestamp,
			}
			if err := s.redis.SetPoolPrice(ctx, entry); err != nil {
				return accepted, err
			}
		}
		accepted++
	}
	return accepted, nil
}

func resolveLocal(ctx context.Context, db store.DataStore, ref models.InstrumentRef) (*uuid.UUID, error) {
	ids, err := db.ResolveInstruments(ctx, []models.InstrumentRef{ref})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids[0], nil
}

func toQuotes(instrumentID uuid.UUID, rows []HistoryRow) ([]models.HistoryQuote, error) {
	quotes := make([]models.HistoryQuote, 0, len(rows))
	for _, row := range rows {
		day, err := parseDay(row.Date)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, models.HistoryQuote{
			InstrumentID: instrumentID,
			Date:         day,
			Close:        row.Close,
			Volume:       row.Volume,
		})
	}
	return quotes, nil
}
