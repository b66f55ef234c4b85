package ledger

import (
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Store layout:
//
//	rec/<owner><period BE>  types.Record
//	usr/<owner>             types.UserAccountState
//	sys/pop                 types.SystemCounter
//	sys/adm                 types.Principal
var (
	recordPrefix  = []byte("rec/")
	accountPrefix = []byte("usr/")
	populationKey = []byte("sys/pop")
	adminKey      = []byte("sys/adm")
)

func recordKey(owner types.Principal, p types.Period) []byte { // A
	k := make([]byte, 0, len(recordPrefix)+types.PrincipalSize+8)
	k = append(k, recordPrefix...)
	k = append(k, owner[:]...)
	return append(k, p.Bytes()...)
}

func accountKey(owner types.Principal) []byte { // A
	k := make([]byte, 0, len(accountPrefix)+types.PrincipalSize)
	k = append(k, accountPrefix...)
	return append(k, owner[:]...)
}
