// Package rcon builds the console command strings the game servers accept.
// The wire protocol that carries them is external; every command here is
// fire-and-forget text.
package rcon

import "fmt"

func AddGamePlayer(steamID, name, team, gameClass string) string {
	return fmt.Sprintf("sm_game_player_add %s -name %q -team %s -class %s", steamID, name, team, gameClass)
}

func DelGamePlayer(steamID string) string { return "sm_game_player_del " + steamID }

func DelAllGamePlayers() string { return "sm_game_player_delall" }

func EnablePlayerWhitelist() string { return "sm_game_player_whitelist 1" }

func DisablePlayerWhitelist() string { return "sm_game_player_whitelist 0" }

func ExecConfig(config string) string { return "exec " + config }

func Changelevel(mapName string) string { return "changelevel " + mapName }

func SetPassword(password string) string { return fmt.Sprintf("sv_password %q", password) }

func LogSecret(secret string) string {
	if secret == "" {
		secret = "0"
	}
	return "sv_logsecret " + secret
}

func LogAddressAdd(addr string) string { return "logaddress_add " + addr }

func LogAddressDel(addr string) string { return "logaddress_del " + addr }

func KickAll() string { return "kickall" }

func Say(message string) string { return "say " + message }
