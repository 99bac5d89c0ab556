package dispatcher

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/teemoapi/teemo/internal/protocol"
)

// route maps one GET path onto a worker invocation or an admin action. It
// returns false when the path matches nothing, in which case the caller
// answers 400. Admin and error paths write their response themselves and
// report handled=true.
func (s *Server) route(path string, conn net.Conn) (handled bool) {
	switch {
	case strings.HasPrefix(path, "/player/"):
		return s.routePlayer(strings.TrimPrefix(path, "/player/"), conn)
	case strings.HasPrefix(path, "/accountid/"):
		return s.routeAccount(strings.TrimPrefix(path, "/accountid/"), conn)
	case strings.HasPrefix(path, "/summonerid/"):
		return s.routeSummoner(strings.TrimPrefix(path, "/summonerid/"), conn)
	case strings.HasPrefix(path, "/list/"):
		return s.routeList(strings.TrimPrefix(path, "/list/"), conn)
	case strings.HasPrefix(path, "/server"):
		return s.routeAdmin(strings.TrimPrefix(path, "/server"), conn)
	case strings.HasPrefix(path, "/numeric/"):
		return s.routeNumericPassthrough(strings.TrimPrefix(path, "/numeric/"), conn)
	}
	return false
}

func (s *Server) routePlayer(rest string, conn net.Conn) bool {
	name, tail, _ := strings.Cut(rest, "/")
	if name == "" {
		return false
	}
	name = strings.ReplaceAll(name, "%20", " ")

	switch tail {
	case "":
		s.dispatchString("summonerService", "getSummonerByName", name, conn)
	case "inGame":
		s.dispatchString("gameService", "retrieveInProgressSpectatorGameInfo", name, conn)
	default:
		return false
	}
	return true
}

func (s *Server) routeAccount(rest string, conn net.Conn) bool {
	idStr, tail, ok := strings.Cut(rest, "/")
	if !ok {
		return false
	}
	accountID, err := parseU32(idStr)
	if err != nil {
		return false
	}

	switch {
	case tail == "recentGames":
		s.dispatchNumeric("playerStatsService", "getRecentGames", accountID, conn)
	case tail == "allPublicData":
		s.dispatchNumeric("summonerService", "getAllPublicSummonerDataByAccount", accountID, conn)
	case tail == "stats":
		s.dispatchNumeric("playerStatsService", "retrievePlayerStatsByAccountId", accountID, conn)
	case tail == "topPlayed":
		s.dispatchGeneric("playerStatsService", "retrieveTopPlayedChampions", []protocol.GenericArg{
			protocol.NumberArg(accountID),
			protocol.StringArg("CLASSIC"),
		}, conn)
	case strings.HasPrefix(tail, "rankedStats/"):
		seasonStr := strings.TrimPrefix(tail, "rankedStats/")
		if len(seasonStr) != 1 {
			return false
		}
		season, err := parseU32(seasonStr)
		if err != nil {
			return false
		}
		s.dispatchGeneric("playerStatsService", "getAggregatedStats", []protocol.GenericArg{
			protocol.NumberArg(accountID),
			protocol.StringArg("CLASSIC"),
			protocol.NumberArg(season),
		}, conn)
	default:
		return false
	}
	return true
}

func (s *Server) routeSummoner(rest string, conn net.Conn) bool {
	idStr, tail, ok := strings.Cut(rest, "/")
	if !ok {
		return false
	}
	summonerID, err := parseU32(idStr)
	if err != nil {
		return false
	}

	switch tail {
	case "leagues":
		s.dispatchNumeric("leaguesServiceProxy", "getAllLeaguesForPlayer", summonerID, conn)
	case "honor":
		payload := fmt.Sprintf(`{"commandName":"TOTALS","summonerId":%d}`, summonerID)
		s.dispatchString("clientFacadeService", "callKudos", payload, conn)
	case "runes":
		s.dispatchNumeric("spellBookService", "getSpellBook", summonerID, conn)
	case "masteries":
		s.dispatchNumeric("masteryBookService", "getMasteryBook", summonerID, conn)
	default:
		return false
	}
	return true
}

func (s *Server) routeList(rest string, conn net.Conn) bool {
	idsStr, tail, ok := strings.Cut(rest, "/")
	if !ok || idsStr == "" {
		return false
	}
	var ids []uint32
	for _, part := range strings.Split(idsStr, ";") {
		id, err := parseU32(part)
		if err != nil {
			return false
		}
		ids = append(ids, id)
	}
	if len(ids) > protocol.MaxListElements {
		return false
	}

	switch tail {
	case "icons":
		s.dispatchList("summonerService", "getSummonerIcons", ids, conn)
	case "names":
		s.dispatchList("summonerService", "getSummonerNames", ids, conn)
	default:
		return false
	}
	return true
}

func (s *Server) routeAdmin(rest string, conn net.Conn) bool {
	if rest == "/status" {
		s.writeAndClose(conn, responseOK(s.workers.Inventory()))
		return true
	}

	if !strings.HasPrefix(rest, "/worker/") {
		return false
	}
	idxStr, action, ok := strings.Cut(strings.TrimPrefix(rest, "/worker/"), "/")
	if !ok {
		return false
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return false
	}

	worker := s.workers.GetAt(idx)
	if worker == nil {
		s.writeAndClose(conn, responseWorkerNotFound())
		return true
	}

	switch action {
	case "test":
		task := s.tasks.Create(conn)
		rec := &protocol.Record{
			Kind:        protocol.KindString,
			TaskID:      task.ID(),
			Destination: "summonerService",
			Operation:   "getSummonerByName",
			Str:         "Honux",
		}
		if err := worker.SendRecord(rec); err != nil {
			s.log.Warn().Err(err).Uint32("worker", worker.UID()).Msg("Probe record send failed")
		}
		go s.cancelOnClose(conn, task)
	case "restart":
		if err := worker.SendRecord(&protocol.Record{Kind: protocol.KindForceReconnect}); err != nil {
			s.log.Warn().Err(err).Uint32("worker", worker.UID()).Msg("Restart record send failed")
		}
		s.writeAndClose(conn, responseOK(bodyRestarting))
	case "kill":
		if err := worker.SendRecord(&protocol.Record{Kind: protocol.KindKill}); err != nil {
			s.log.Warn().Err(err).Uint32("worker", worker.UID()).Msg("Kill record send failed")
		}
		s.writeAndClose(conn, responseOK(bodyKilled))
		s.workers.Unsubscribe(worker.UID())
	default:
		return false
	}
	return true
}

// routeNumericPassthrough handles /numeric/<n>/<dest>/<op>, the generic
// numeric invocation escape hatch.
func (s *Server) routeNumericPassthrough(rest string, conn net.Conn) bool {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return false
	}
	number, err := parseU32(parts[0])
	if err != nil {
		return false
	}
	dest := strings.ReplaceAll(parts[1], "%20", " ")
	op := strings.ReplaceAll(parts[2], "%20", " ")
	s.dispatchNumeric(dest, op, number, conn)
	return true
}

func (s *Server) dispatchString(dest, op, payload string, conn net.Conn) {
	rec := &protocol.Record{Kind: protocol.KindString, Destination: dest, Operation: op, Str: payload}
	s.dispatch(rec, conn)
}

func (s *Server) dispatchNumeric(dest, op string, n uint32, conn net.Conn) {
	rec := &protocol.Record{Kind: protocol.KindNumeric, Destination: dest, Operation: op, Number: n}
	s.dispatch(rec, conn)
}

func (s *Server) dispatchList(dest, op string, ids []uint32, conn net.Conn) {
	rec := &protocol.Record{Kind: protocol.KindList, Destination: dest, Operation: op, List: ids}
	s.dispatch(rec, conn)
}

func (s *Server) dispatchGeneric(dest, op string, args []protocol.GenericArg, conn net.Conn) {
	rec := &protocol.Record{Kind: protocol.KindGeneric, Destination: dest, Operation: op, Generic: args}
	s.dispatch(rec, conn)
}

// dispatch creates the task, routes the record round-robin, and leaves the
// connection open for the task to answer.
func (s *Server) dispatch(rec *protocol.Record, conn net.Conn) {
	worker := s.workers.NextAvailable()
	if worker == nil {
		s.writeAndClose(conn, responseUnavailable())
		return
	}

	task := s.tasks.Create(conn)
	rec.TaskID = task.ID()
	if err := worker.SendRecord(rec); err != nil {
		s.log.Warn().Err(err).Uint32("worker", worker.UID()).Uint32("task", task.ID()).
			Msg("Request record send failed")
		// The worker socket is broken; its own read loop will tear it down.
		// The task rides out its deadline and the client gets a 408.
	}
	go s.cancelOnClose(conn, task)
}

// cancelOnClose blocks on the connection until it dies, then cancels the
// task. Completion and timeout paths close the connection themselves, which
// unblocks the read; Cancel is a no-op for a task that already settled.
func (s *Server) cancelOnClose(conn net.Conn, task *Task) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	task.Cancel()
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
