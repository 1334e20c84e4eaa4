package mongo

import (
	"time"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// ==================== Node models ====================

type nodeModel struct {
	ID                 string    `bson:"_id"`
	Status             string    `bson:"status"`
	Position           string    `bson:"position"`
	ParentID           string    `bson:"parent_id,omitempty"`
	LeftChildID        string    `bson:"left_child_id,omitempty"`
	RightChildID       string    `bson:"right_child_id,omitempty"`
	SponsorID          string    `bson:"sponsor_id,omitempty"`
	ActiveLeftDirects  int       `bson:"active_left_directs"`
	ActiveRightDirects int       `bson:"active_right_directs"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func toNodeModel(n *tree.Node) *nodeModel {
	return &nodeModel{
		ID:                 n.ID,
		Status:             string(n.Status),
		Position:           string(n.Position),
		ParentID:           n.ParentID,
		LeftChildID:        n.LeftChildID,
		RightChildID:       n.RightChildID,
		SponsorID:          n.SponsorID,
		ActiveLeftDirects:  n.ActiveLeftDirects,
		ActiveRightDirects: n.ActiveRightDirects,
		CreatedAt:          n.CreatedAt,
		UpdatedAt:          n.UpdatedAt,
	}
}

func fromNodeModel(m *nodeModel) *tree.Node {
	return &tree.Node{
		Entity:             types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:                 m.ID,
		Status:             tree.Status(m.Status),
		Position:           tree.Position(m.Position),
		ParentID:           m.ParentID,
		LeftChildID:        m.LeftChildID,
		RightChildID:       m.RightChildID,
		SponsorID:          m.SponsorID,
		ActiveLeftDirects:  m.ActiveLeftDirects,
		ActiveRightDirects: m.ActiveRightDirects,
	}
}

// ==================== Ledger models ====================

type volumeModel struct {
	BV int64 `bson:"bv"`
	PV int64 `bson:"pv"`
}

type periodModel struct {
	MonthKey string `bson:"month_key"`
	MonthBV  int64  `bson:"month_bv"`
	MonthPV  int64  `bson:"month_pv"`
	Year     int    `bson:"year"`
	YearBV   int64  `bson:"year_bv"`
	YearPV   int64  `bson:"year_pv"`
}

// walletModel stores balances in minor units of a single currency.
type walletModel struct {
	Currency          string `bson:"currency"`
	AvailableBalance  int64  `bson:"available_balance"`
	TotalEarnings     int64  `bson:"total_earnings"`
	WithdrawnAmount   int64  `bson:"withdrawn_amount"`
	PendingWithdrawal int64  `bson:"pending_withdrawal"`
	WeeklyEarnings    int64  `bson:"weekly_earnings"`
}

type rankChangeModel struct {
	ID     string    `bson:"id"`
	From   int       `bson:"from"`
	To     int       `bson:"to"`
	Stars  int64     `bson:"stars"`
	Forced bool      `bson:"forced"`
	Reason string    `bson:"reason,omitempty"`
	At     time.Time `bson:"at"`
}

type matchStateModel struct {
	PendingLeft            int64     `bson:"pending_left"`
	PendingRight           int64     `bson:"pending_right"`
	CarryForwardLeft       int64     `bson:"carry_forward_left"`
	CarryForwardRight      int64     `bson:"carry_forward_right"`
	LastClosingAt          time.Time `bson:"last_closing_at"`
	DailyClosings          int       `bson:"daily_closings"`
	HasCompletedFirstMatch bool      `bson:"has_completed_first_match"`
	Closings               int       `bson:"closings"`
	BasisClosings          int       `bson:"basis_closings"`
}

type ledgerModel struct {
	UserID                string            `bson:"_id"`
	Version               int64             `bson:"version"`
	LeftLeg               volumeModel       `bson:"left_leg"`
	RightLeg              volumeModel       `bson:"right_leg"`
	Total                 volumeModel       `bson:"total"`
	Period                periodModel       `bson:"period"`
	Wallet                walletModel       `bson:"wallet"`
	CurrentRank           int               `bson:"current_rank"`
	RankHistory           []rankChangeModel `bson:"rank_history,omitempty"`
	CumulativeStars       int64             `bson:"cumulative_stars"`
	CurrentRankMatchCount int               `bson:"current_rank_match_count"`
	FastTrack             matchStateModel   `bson:"fast_track"`
	StarMatch             matchStateModel   `bson:"star_match"`
	CreatedAt             time.Time         `bson:"created_at"`
	UpdatedAt             time.Time         `bson:"updated_at"`
}

func toLedgerModel(l *ledger.Ledger) *ledgerModel {
	history := make([]rankChangeModel, len(l.RankHistory))
	for i, c := range l.RankHistory {
		history[i] = rankChangeModel{
			ID:     c.ID.String(),
			From:   c.From,
			To:     c.To,
			Stars:  c.Stars,
			Forced: c.Forced,
			Reason: c.Reason,
			At:     c.At,
		}
	}

	w := l.Wallet
	return &ledgerModel{
		UserID:   l.UserID,
		Version:  l.Version,
		LeftLeg:  volumeModel(l.LeftLeg),
		RightLeg: volumeModel(l.RightLeg),
		Total:    volumeModel(l.Total),
		Period:   periodModel(l.Period),
		Wallet: walletModel{
			Currency:          walletCurrency(w),
			AvailableBalance:  w.AvailableBalance.Amount,
			TotalEarnings:     w.TotalEarnings.Amount,
			WithdrawnAmount:   w.WithdrawnAmount.Amount,
			PendingWithdrawal: w.PendingWithdrawal.Amount,
			WeeklyEarnings:    w.WeeklyEarnings.Amount,
		},
		CurrentRank:           l.CurrentRank,
		RankHistory:           history,
		CumulativeStars:       l.CumulativeStars,
		CurrentRankMatchCount: l.CurrentRankMatchCount,
		FastTrack:             matchStateModel(l.FastTrack),
		StarMatch:             matchStateModel(l.StarMatch),
		CreatedAt:             l.CreatedAt,
		UpdatedAt:             l.UpdatedAt,
	}
}

func fromLedgerModel(m *ledgerModel) (*ledger.Ledger, error) {
	var history []ledger.RankChange
	for _, c := range m.RankHistory {
		changeID, err := id.ParseRankChangeID(c.ID)
		if err != nil {
			return nil, err
		}
		history = append(history, ledger.RankChange{
			ID:     changeID,
			From:   c.From,
			To:     c.To,
			Stars:  c.Stars,
			Forced: c.Forced,
			Reason: c.Reason,
			At:     c.At,
		})
	}

	cur := m.Wallet.Currency
	return &ledger.Ledger{
		Entity:   types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		UserID:   m.UserID,
		Version:  m.Version,
		LeftLeg:  ledger.Volume(m.LeftLeg),
		RightLeg: ledger.Volume(m.RightLeg),
		Total:    ledger.Volume(m.Total),
		Period:   ledger.Period(m.Period),
		Wallet: ledger.Wallet{
			AvailableBalance:  types.Money{Amount: m.Wallet.AvailableBalance, Currency: cur},
			TotalEarnings:     types.Money{Amount: m.Wallet.TotalEarnings, Currency: cur},
			WithdrawnAmount:   types.Money{Amount: m.Wallet.WithdrawnAmount, Currency: cur},
			PendingWithdrawal: types.Money{Amount: m.Wallet.PendingWithdrawal, Currency: cur},
			WeeklyEarnings:    types.Money{Amount: m.Wallet.WeeklyEarnings, Currency: cur},
		},
		CurrentRank:           m.CurrentRank,
		RankHistory:           history,
		CumulativeStars:       m.CumulativeStars,
		CurrentRankMatchCount: m.CurrentRankMatchCount,
		FastTrack:             ledger.MatchState(m.FastTrack),
		StarMatch:             ledger.MatchState(m.StarMatch),
	}, nil
}

// walletCurrency picks the first non-empty currency of the wallet balances.
func walletCurrency(w ledger.Wallet) string {
	for _, m := range []types.Money{w.AvailableBalance, w.TotalEarnings, w.WeeklyEarnings, w.PendingWithdrawal, w.WithdrawnAmount} {
		if m.Currency != "" {
			return m.Currency
		}
	}
	return types.DefaultCurrency
}

// ==================== Payout models ====================

type payoutMetadataModel struct {
	ClosingIndex int    `bson:"closing_index,omitempty"`
	FlashOut     bool   `bson:"flash_out,omitempty"`
	MatchedLeft  int64  `bson:"matched_left,omitempty"`
	MatchedRight int64  `bson:"matched_right,omitempty"`
	Rank         int    `bson:"rank,omitempty"`
	Reference    string `bson:"reference,omitempty"`
}

type payoutModel struct {
	ID          string              `bson:"_id"`
	UserID      string              `bson:"user_id"`
	Type        string              `bson:"type"`
	Status      string              `bson:"status"`
	Currency    string              `bson:"currency"`
	Gross       int64               `bson:"gross"`
	AdminCharge int64               `bson:"admin_charge"`
	TDS         int64               `bson:"tds"`
	Net         int64               `bson:"net"`
	Metadata    payoutMetadataModel `bson:"metadata"`
	CreatedAt   time.Time           `bson:"created_at"`
	UpdatedAt   time.Time           `bson:"updated_at"`
}

func toPayoutModel(r *payout.Record) *payoutModel {
	cur := r.Gross.Currency
	if cur == "" {
		cur = r.Net.Currency
	}
	return &payoutModel{
		ID:          r.ID.String(),
		UserID:      r.UserID,
		Type:        string(r.Type),
		Status:      string(r.Status),
		Currency:    cur,
		Gross:       r.Gross.Amount,
		AdminCharge: r.AdminCharge.Amount,
		TDS:         r.TDS.Amount,
		Net:         r.Net.Amount,
		Metadata:    payoutMetadataModel(r.Metadata),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromPayoutModel(m *payoutModel) (*payout.Record, error) {
	payoutID, err := id.ParsePayoutID(m.ID)
	if err != nil {
		return nil, err
	}
	return &payout.Record{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          payoutID,
		UserID:      m.UserID,
		Type:        payout.Type(m.Type),
		Gross:       types.Money{Amount: m.Gross, Currency: m.Currency},
		AdminCharge: types.Money{Amount: m.AdminCharge, Currency: m.Currency},
		TDS:         types.Money{Amount: m.TDS, Currency: m.Currency},
		Net:         types.Money{Amount: m.Net, Currency: m.Currency},
		Status:      payout.Status(m.Status),
		Metadata:    payout.Metadata(m.Metadata),
	}, nil
}

// ==================== Volume entry models ====================

type volumeEntryModel struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	SourceUserID string    `bson:"source_user_id"`
	Leg          string    `bson:"leg"`
	BV           int64     `bson:"bv"`
	PV           int64     `bson:"pv"`
	Reason       string    `bson:"reason"`
	ReferenceID  string    `bson:"reference_id,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toVolumeEntryModel(e *volume.Entry) *volumeEntryModel {
	return &volumeEntryModel{
		ID:           e.ID.String(),
		UserID:       e.UserID,
		SourceUserID: e.SourceUserID,
		Leg:          string(e.Leg),
		BV:           e.BV,
		PV:           e.PV,
		Reason:       string(e.Reason),
		ReferenceID:  e.ReferenceID,
		CreatedAt:    e.CreatedAt,
	}
}

func fromVolumeEntryModel(m *volumeEntryModel) (*volume.Entry, error) {
	entryID, err := id.ParseVolumeEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	return &volume.Entry{
		ID:           entryID,
		UserID:       m.UserID,
		SourceUserID: m.SourceUserID,
		Leg:          tree.Leg(m.Leg),
		BV:           m.BV,
		PV:           m.PV,
		Reason:       volume.Reason(m.Reason),
		ReferenceID:  m.ReferenceID,
		CreatedAt:    m.CreatedAt,
	}, nil
}
