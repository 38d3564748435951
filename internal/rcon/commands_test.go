package rcon

import "testing"

func TestCommands(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{AddGamePlayer("76561198074409147", "mayflower", "blu", "soldier"),
			`sm_game_player_add 76561198074409147 -name "mayflower" -team blu -class soldier`},
		{DelGamePlayer("76561198074409147"), "sm_game_player_del 76561198074409147"},
		{DelAllGamePlayers(), "sm_game_player_delall"},
		{EnablePlayerWhitelist(), "sm_game_player_whitelist 1"},
		{DisablePlayerWhitelist(), "sm_game_player_whitelist 0"},
		{ExecConfig("pickup"), "exec pickup"},
		{Changelevel("cp_process_f12"), "changelevel cp_process_f12"},
		{SetPassword("letmein"), `sv_password "letmein"`},
		{SetPassword(""), `sv_password ""`},
		{LogSecret("abc123"), "sv_logsecret abc123"},
		{LogSecret(""), "sv_logsecret 0"},
		{LogAddressAdd("1.2.3.4:9871"), "logaddress_add 1.2.3.4:9871"},
		{LogAddressDel("1.2.3.4:9871"), "logaddress_del 1.2.3.4:9871"},
		{KickAll(), "kickall"},
		{Say("game is live"), "say game is live"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}
