package events

// Logrus field keys used by the events package.
const ( // AC
	keyKind   = "kind"
	keySeq    = "seq"
	keyOwner  = "owner"
	keyPeriod = "period"
	keyResult = "resultTag"
	keyOp     = "op"
	keySubs   = "subscribers"
	keyDrops  = "dropped"
)
