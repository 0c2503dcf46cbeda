package model

import "time"

// Kind identifies an Event variant. It doubles as the stable name used in logs
// and as the key for the variant's table in the event store.
type Kind string

const (
	KindHarvesterPlots  Kind = "harvester_plots"
	KindConnections     Kind = "connections"
	KindBlockchainState Kind = "blockchain_state"
	KindWalletBalance   Kind = "wallet_balance"
	KindSignagePoint    Kind = "signage_point"
	KindFarmingInfo     Kind = "farming_info"
	KindPoolState       Kind = "pool_state"
	KindPrice           Kind = "price"
)

// Kinds lists every known variant in a fixed order.
var Kinds = []Kind{
	KindHarvesterPlots,
	KindConnections,
	KindBlockchainState,
	KindWalletBalance,
	KindSignagePoint,
	KindFarmingInfo,
	KindPoolState,
	KindPrice,
}

// Event is one observed fact from a data source. Implementations are plain
// value types; an Event is never mutated after it has been published.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// HarvesterPlots reports the plots a single harvester host is farming.
// "OG" plots are solo plots, "portable" plots carry a pool contract.
type HarvesterPlots struct {
	TS                time.Time
	Host              string
	PlotCount         int64
	PortablePlotCount int64
	PlotSize          int64
	PortablePlotSize  int64
}

// Connections counts the node's peers by type.
type Connections struct {
	TS             time.Time
	FullNodeCount  int64
	FarmerCount    int64
	WalletCount    int64
	HarvesterCount int64
}

// BlockchainState is a snapshot of the full node's view of the chain.
// Space and PeakHeight are decimal strings because netspace overflows int64.
type BlockchainState struct {
	TS          time.Time
	Space       string
	Difficulty  int64
	PeakHeight  string
	MempoolSize int64
	Synced      bool
}

// WalletBalance holds wallet totals in mojos as decimal strings.
type WalletBalance struct {
	TS        time.Time
	Confirmed string
	Farmed    string
}

// SignagePoint is emitted when the farmer receives a new signage point.
type SignagePoint struct {
	TS                time.Time
	ChallengeHash     string
	SignagePoint      string
	SignagePointIndex int64
}

// FarmingInfo is the result of one farming attempt against a signage point.
type FarmingInfo struct {
	TS            time.Time
	ChallengeHash string
	SignagePoint  string
	PassedFilter  int64
	Proofs        int64
	TotalPlots    int64
}

// PoolState is the farmer's view of one pool membership.
type PoolState struct {
	TS                           time.Time
	P2SingletonPuzzleHash        string
	PoolURL                      string
	CurrentPoints                int64
	CurrentDifficulty            int64
	PointsFoundSinceStart        int64
	PointsAcknowledgedSinceStart int64
	PointsFound24h               int64
	PointsAcknowledged24h        int64
	NumPoolErrors24h             int64
}

// Price is a quote for the farmed coin in several currencies.
type Price struct {
	TS         time.Time
	USDCents   int64
	EURCents   int64
	BTCSatoshi int64
	ETHGwei    int64
}

func (HarvesterPlots) Kind() Kind  { return KindHarvesterPlots }
func (Connections) Kind() Kind     { return KindConnections }
func (BlockchainState) Kind() Kind { return KindBlockchainState }
func (WalletBalance) Kind() Kind   { return KindWalletBalance }
func (SignagePoint) Kind() Kind    { return KindSignagePoint }
func (FarmingInfo) Kind() Kind     { return KindFarmingInfo }
func (PoolState) Kind() Kind       { return KindPoolState }
func (Price) Kind() Kind           { return KindPrice }

func (e HarvesterPlots) Timestamp() time.Time  { return e.TS }
func (e Connections) Timestamp() time.Time     { return e.TS }
func (e BlockchainState) Timestamp() time.Time { return e.TS }
func (e WalletBalance) Timestamp() time.Time   { return e.TS }
func (e SignagePoint) Timestamp() time.Time    { return e.TS }
func (e FarmingInfo) Timestamp() time.Time     { return e.TS }
func (e PoolState) Timestamp() time.Time       { return e.TS }
func (e Price) Timestamp() time.Time           { return e.TS }
