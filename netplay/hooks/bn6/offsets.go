// Package bn6 supplies the concrete per-ROM-variant address tables for the
// BN6 (MegaMan Battle Network 6 / Rockman EXE 6) game family: one shared
// EWRAM offsets table plus four ROM variant tables, selected by the game
// title read out of the loaded ROM header.
package bn6

import (
	"strings"

	"github.com/murkland/tango/netplay/hooks"
)

// EWRAM holds the EWRAM addresses shared by every BN6 variant: the layout
// of in-memory battle structures doesn't move between ROM revisions, only
// the code addresses around it do.
var EWRAM = hooks.EWRAMOffsets{
	PlayerInputDataArr:        0x02036820,
	BattleState:               0x02034880,
	LocalMarshaledBattleState: 0x0203cbe0,
	PlayerMarshaledStateArr:   0x0203f4a0,
	MenuControl:               0x02009a30,
}

// MEGAMAN6_FXX is the ROM offsets table for the North American "Falzar"
// release of MegaMan Battle Network 6.
var MEGAMAN6_FXX = hooks.ROMOffsets{
	EWRAM: EWRAM,

	MainReadJoyflags:                    0x080003fa,
	GetCopyDataInputStateRet:            0x0801feec,
	BattleInitCallBattleCopyInputData:   0x08007902,
	BattleUpdateCallBattleCopyInputData: 0x08007a6e,
	BattleRunUnpausedStepCmpRetval:      0x08008102,
	BattleInitMarshalRet:                0x0800b2b8,
	BattleTurnMarshalRet:                0x0800b3d6,
	BattleStartRet:                      0x08007304,
	BattleEndingRet:                     0x0800951c,
	BattleEndEntry:                      0x08007ca0,
	BattleIsP2Tst:                       0x0803dd52,
	LinkIsP2Ret:                         0x0803dd86,

	CommMenuInitBattleEntry:                               0x0812b608,
	CommMenuHandleLinkCableInputEntry:                     0x0803eae4,
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput: 0x08129f8a,
	CommMenuWaitForFriendRetCancel:                        0x08129fa4,
	CommMenuInBattleCallCommMenuHandleLinkCableInput:      0x0812b5ca,
	CommMenuEndBattleEntry:                                0x0812b708,
}

// MEGAMAN6_GXX is the North American "Gregar" release.
var MEGAMAN6_GXX = hooks.ROMOffsets{
	EWRAM: EWRAM,

	MainReadJoyflags:                    0x080003fa,
	GetCopyDataInputStateRet:            0x0801feec,
	BattleInitCallBattleCopyInputData:   0x08007902,
	BattleUpdateCallBattleCopyInputData: 0x08007a6e,
	BattleRunUnpausedStepCmpRetval:      0x08008102,
	BattleInitMarshalRet:                0x0800b2b8,
	BattleTurnMarshalRet:                0x0800b3d6,
	BattleStartRet:                      0x08007304,
	BattleEndingRet:                     0x0800951c,
	BattleEndEntry:                      0x08007ca0,
	BattleIsP2Tst:                       0x0803dd26,
	LinkIsP2Ret:                         0x0803dd5a,

	CommMenuInitBattleEntry:                               0x0812d3e4,
	CommMenuHandleLinkCableInputEntry:                     0x0803eab8,
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput: 0x0812bd66,
	CommMenuWaitForFriendRetCancel:                        0x0812bd80,
	CommMenuInBattleCallCommMenuHandleLinkCableInput:      0x0812d3a6,
	CommMenuEndBattleEntry:                                0x0812d4e4,
}

// ROCKEXE6_RXX is the Japanese "Cybeast Falzar" release.
var ROCKEXE6_RXX = hooks.ROMOffsets{
	EWRAM: EWRAM,

	MainReadJoyflags:                    0x080003fa,
	GetCopyDataInputStateRet:            0x08020300,
	BattleInitCallBattleCopyInputData:   0x080078ee,
	BattleUpdateCallBattleCopyInputData: 0x08007a6a,
	BattleRunUnpausedStepCmpRetval:      0x0800811a,
	BattleInitMarshalRet:                0x0800b8a0,
	BattleTurnMarshalRet:                0x0800b9be,
	BattleStartRet:                      0x080072f8,
	BattleEndingRet:                     0x080096ec,
	BattleEndEntry:                      0x08007c9c,
	BattleIsP2Tst:                       0x0803ed96,
	LinkIsP2Ret:                         0x0803edca,

	CommMenuInitBattleEntry:                               0x08134008,
	CommMenuHandleLinkCableInputEntry:                     0x0803fb28,
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput: 0x0813299e,
	CommMenuWaitForFriendRetCancel:                        0x081329b8,
	CommMenuInBattleCallCommMenuHandleLinkCableInput:      0x08133fca,
	CommMenuEndBattleEntry:                                0x08134108,
}

// ROCKEXE6_GXX is the Japanese "Cybeast Gregar" release.
var ROCKEXE6_GXX = hooks.ROMOffsets{
	EWRAM: EWRAM,

	MainReadJoyflags:                    0x080003fa,
	GetCopyDataInputStateRet:            0x08020300,
	BattleInitCallBattleCopyInputData:   0x080078ee,
	BattleUpdateCallBattleCopyInputData: 0x08007a6a,
	BattleRunUnpausedStepCmpRetval:      0x0800811a,
	BattleInitMarshalRet:                0x0800b8a0,
	BattleTurnMarshalRet:                0x0800b9be,
	BattleStartRet:                      0x080072f8,
	BattleEndingRet:                     0x080096ec,
	BattleEndEntry:                      0x08007c9c,
	BattleIsP2Tst:                       0x0803ed6a,
	LinkIsP2Ret:                         0x0803ed9e,

	CommMenuInitBattleEntry:                               0x08135dd0,
	CommMenuHandleLinkCableInputEntry:                     0x0803fafc,
	CommMenuWaitForFriendCallCommMenuHandleLinkCableInput: 0x08134766,
	CommMenuWaitForFriendRetCancel:                        0x08134780,
	CommMenuInBattleCallCommMenuHandleLinkCableInput:      0x08135d92,
	CommMenuEndBattleEntry:                                0x08135ed0,
}

// ForTitle selects the ROM offsets table for a game title read from a
// loaded ROM's header. Matching is by title prefix since regional builds
// append a revision suffix after the variant code.
func ForTitle(title string) (hooks.ROMOffsets, bool) {
	switch {
	case strings.HasPrefix(title, "MEGAMAN6_FXX"):
		return MEGAMAN6_FXX, true
	case strings.HasPrefix(title, "MEGAMAN6_GXX"):
		return MEGAMAN6_GXX, true
	case strings.HasPrefix(title, "ROCKEXE6_RXX"):
		return ROCKEXE6_RXX, true
	case strings.HasPrefix(title, "ROCKEXE6_GXX"):
		return ROCKEXE6_GXX, true
	default:
		return hooks.ROMOffsets{}, false
	}
}
