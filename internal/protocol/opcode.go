package protocol

// Category classifies how an opcode is handled.
type Category int

const (
	// CategoryRequest messages expect a synchronous reply.
	CategoryRequest Category = iota
	// CategoryResponse messages answer an earlier outbound request.
	CategoryResponse
	// CategoryAnnouncement messages are one-way notices.
	CategoryAnnouncement
)

// Protocol opcodes. The catalogue is open-ended; these cover the structural
// categories the engine dispatches on.
const (
	OpHandshake       = 1
	OpPing            = 2
	OpHandshakeAccept = 3
	OpHandshakeReject = 4

	OpExchangeRequest   = 10
	OpExchangeAccept    = 11
	OpExchangeInProcess = 12
	OpExchangeReject    = 13
	OpPending           = 15

	OpRevoke               = 20
	OpBusy                 = 21
	OpReleasedBusy         = 22
	OpMaintenance          = 23
	OpOnline               = 24
	OpOffline              = 25
	OpDiscontinue          = 26
	OpMaintenanceScheduled = 27

	OpLastPriceQuery = 30
	OpLastPriceData  = 31
	OpHistoryQuery   = 32
	OpHistoryData    = 33
	OpLastPricePush  = 34
	OpPushAck        = 35
	OpLimitExceeded  = 36
)

// categories maps each known opcode to its handling category.
var categories = map[int]Category{
	OpHandshake:       CategoryRequest,
	OpPing:            CategoryRequest,
	OpHandshakeAccept: CategoryResponse,
	OpHandshakeReject: CategoryResponse,

	OpExchangeRequest:   CategoryRequest,
	OpExchangeAccept:    CategoryResponse,
	OpExchangeInProcess: CategoryResponse,
	OpExchangeReject:    CategoryResponse,
	OpPending:           CategoryResponse,

	OpRevoke:               CategoryAnnouncement,
	OpBusy:                 CategoryAnnouncement,
	OpReleasedBusy:         CategoryAnnouncement,
	OpMaintenance:          CategoryAnnouncement,
	OpOnline:               CategoryAnnouncement,
	OpOffline:              CategoryAnnouncement,
	OpDiscontinue:          CategoryAnnouncement,
	OpMaintenanceScheduled: CategoryAnnouncement,

	OpLastPriceQuery: CategoryRequest,
	OpLastPriceData:  CategoryResponse,
	OpHistoryQuery:   CategoryRequest,
	OpHistoryData:    CategoryResponse,
	OpLastPricePush:  CategoryRequest,
	OpPushAck:        CategoryResponse,
	OpLimitExceeded:  CategoryResponse,
}

// BroadcastOpcodes are future-effective announcements tracked by delivery
// attempts and re-driven by the retry scan.
var BroadcastOpcodes = []int{OpDiscontinue, OpMaintenanceScheduled}

// CategoryOf returns the category for an opcode. ok is false for opcodes
// this instance does not know.
func CategoryOf(opcode int) (Category, bool) {
	c, ok := categories[opcode]
	return c, ok
}

// opcodeNames is used for logging and metrics labels only.
var opcodeNames = map[int]string{
	OpHandshake:            "handshake",
	OpPing:                 "ping",
	OpHandshakeAccept:      "handshake_accept",
	OpHandshakeReject:      "handshake_reject",
	OpExchangeRequest:      "exchange_request",
	OpExchangeAccept:       "exchange_accept",
	OpExchangeInProcess:    "exchange_in_process",
	OpExchangeReject:       "exchange_reject",
	OpPending:              "pending",
	OpRevoke:               "revoke",
	OpBusy:                 "busy",
	OpReleasedBusy:         "released_busy",
	OpMaintenance:          "maintenance",
	OpOnline:               "online",
	OpOffline:              "offline",
	OpDiscontinue:          "discontinue",
	OpMaintenanceScheduled: "maintenance_scheduled",
	OpLastPriceQuery:       "lastprice_query",
	OpLastPriceData:        "lastprice_data",
	OpHistoryQuery:         "history_query",
	OpHistoryData:          "history_data",
	OpLastPricePush:        "lastprice_push",
	OpPushAck:              "push_ack",
	OpLimitExceeded:        "limit_exceeded",
}

// OpcodeName returns a stable lowercase name for logging, or "unknown".
func OpcodeName(opcode int) string {
	if name, ok := opcodeNames[opcode]; ok {
		return name
	}
	return "unknown"
}
