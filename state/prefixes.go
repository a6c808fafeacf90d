package state

var (
	tradePrefix   = []byte("settlement/trade/")
	votePrefix    = []byte("settlement/vote/")
	accountPrefix = []byte("settlement/account/")
	escrowPrefix  = []byte("settlement/escrow/")
	custodyKey    = []byte("settlement/custody-total")
	configKey     = []byte("settlement/config")
)
