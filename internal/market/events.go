package market

import (
	"strconv"

	"github.com/xtrntr/spvswap/internal/models"
)

// Emitter receives every committed transition, in commit order. Emit is
// called with the market lock held and must not call back into the market.
type Emitter interface {
	Emit(models.Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(models.Event) {}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(evt models.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// emit stamps evt with the next sequence number and the current time.
// Callers hold m.mu.
func (m *Market) emit(evt models.Event) {
	m.seq++
	evt.Seq = m.seq
	evt.Time = m.now()
	m.emitter.Emit(evt)
}

func sellPlacedEvent(o *models.SellOrder) models.Event {
	return models.Event{
		Type:    models.EventSellPlaced,
		OrderID: o.ID,
		Attributes: map[string]string{
			"requester":     o.Requester.Hex(),
			"amount_btc":    formatSats(int64(o.AmountBtc)),
			"asking_token":  o.AskingToken.Hex(),
			"asking_amount": o.AskingAmount.Dec(),
		},
	}
}

func buyPlacedEvent(o *models.BuyOrder) models.Event {
	return models.Event{
		Type:    models.EventBuyPlaced,
		OrderID: o.ID,
		Attributes: map[string]string{
			"requester":       o.Requester.Hex(),
			"amount_btc":      formatSats(int64(o.AmountBtc)),
			"bitcoin_address": o.BitcoinAddress,
			"offering_token":  o.OfferingToken.Hex(),
			"offering_amount": o.OfferingAmount.Dec(),
		},
	}
}

func sellAcceptedEvent(a *models.AcceptedSellOrder, remaining *models.SellOrder) models.Event {
	return models.Event{
		Type:     models.EventSellAccepted,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":            a.Requester.Hex(),
			"accepter":             a.Accepter.Hex(),
			"bitcoin_address":      a.BitcoinAddress,
			"amount_btc":           formatSats(int64(a.AmountBtc)),
			"erc_token":            a.ErcToken.Hex(),
			"erc_amount":           a.ErcAmount.Dec(),
			"remaining_amount_btc": formatSats(int64(remaining.AmountBtc)),
			"remaining_erc_amount": remaining.AskingAmount.Dec(),
		},
	}
}

func buyAcceptedEvent(a *models.AcceptedBuyOrder, remaining *models.BuyOrder) models.Event {
	return models.Event{
		Type:     models.EventBuyAccepted,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":            a.Requester.Hex(),
			"accepter":             a.Accepter.Hex(),
			"bitcoin_address":      a.BitcoinAddress,
			"amount_btc":           formatSats(int64(a.AmountBtc)),
			"erc_token":            a.ErcToken.Hex(),
			"erc_amount":           a.ErcAmount.Dec(),
			"remaining_amount_btc": formatSats(int64(remaining.AmountBtc)),
			"remaining_erc_amount": remaining.OfferingAmount.Dec(),
		},
	}
}

func sellSettledEvent(a *models.AcceptedSellOrder, paid int64) models.Event {
	return models.Event{
		Type:     models.EventSellSettled,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":  a.Requester.Hex(),
			"accepter":   a.Accepter.Hex(),
			"amount_btc": formatSats(int64(a.AmountBtc)),
			"paid_btc":   formatSats(paid),
			"erc_token":  a.ErcToken.Hex(),
			"erc_amount": a.ErcAmount.Dec(),
			"payee":      a.Requester.Hex(),
		},
	}
}

func buySettledEvent(a *models.AcceptedBuyOrder, paid, required int64) models.Event {
	return models.Event{
		Type:     models.EventBuySettled,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":    a.Requester.Hex(),
			"accepter":     a.Accepter.Hex(),
			"amount_btc":   formatSats(int64(a.AmountBtc)),
			"paid_btc":     formatSats(paid),
			"required_btc": formatSats(required),
			"erc_token":    a.ErcToken.Hex(),
			"erc_amount":   a.ErcAmount.Dec(),
			"payee":        a.Accepter.Hex(),
		},
	}
}

func sellWithdrawnEvent(o *models.SellOrder) models.Event {
	return models.Event{
		Type:    models.EventSellWithdrawn,
		OrderID: o.ID,
		Attributes: map[string]string{
			"requester":  o.Requester.Hex(),
			"amount_btc": formatSats(int64(o.AmountBtc)),
		},
	}
}

func buyWithdrawnEvent(o *models.BuyOrder) models.Event {
	return models.Event{
		Type:    models.EventBuyWithdrawn,
		OrderID: o.ID,
		Attributes: map[string]string{
			"requester":       o.Requester.Hex(),
			"amount_btc":      formatSats(int64(o.AmountBtc)),
			"offering_token":  o.OfferingToken.Hex(),
			"refunded_amount": o.OfferingAmount.Dec(),
		},
	}
}

func sellAcceptCancelledEvent(a *models.AcceptedSellOrder) models.Event {
	return models.Event{
		Type:     models.EventSellAcceptCancelled,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":  a.Requester.Hex(),
			"accepter":   a.Accepter.Hex(),
			"erc_token":  a.ErcToken.Hex(),
			"erc_amount": a.ErcAmount.Dec(),
			"payee":      a.Accepter.Hex(),
		},
	}
}

func buyAcceptCancelledEvent(a *models.AcceptedBuyOrder) models.Event {
	return models.Event{
		Type:     models.EventBuyAcceptCancelled,
		OrderID:  a.OrderID,
		AcceptID: a.ID,
		Attributes: map[string]string{
			"requester":  a.Requester.Hex(),
			"accepter":   a.Accepter.Hex(),
			"erc_token":  a.ErcToken.Hex(),
			"erc_amount": a.ErcAmount.Dec(),
			"payee":      a.Requester.Hex(),
		},
	}
}

func formatSats(v int64) string { return strconv.FormatInt(v, 10) }
