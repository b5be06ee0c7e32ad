package server

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/pitwall/pitwall"
)

// Placeholder image served when openf1 has no headshot for a driver.
const headshotFallback = "https://media.formula1.com/d_driver_fallback_image.png/content/"

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "pitwall",
		"endpoints": []map[string]string{
			{"path": "/position", "desc": "Live position data"},
			{"path": "/drivers", "desc": "List or search drivers"},
			{"path": "/drivers/{number}", "desc": "Driver detail"},
			{"path": "/teams", "desc": "Teams with their drivers"},
			{"path": "/races", "desc": "Race sessions"},
			{"path": "/races/{meetingKey}", "desc": "Race meeting detail"},
		},
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	data, err := s.fetch(r, "position", nil)
	if err != nil {
		s.respondUpstream(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

// handleDrivers lists the drivers of the latest session, deduplicated
// by broadcast name and sorted by car number.
func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	params := url.Values{"session_key": {"latest"}}
	if q := r.URL.Query().Get("search"); q != "" {
		params.Set("search", q)
	}
	data, err := s.fetch(r, "drivers", params)
	if err != nil {
		s.respondUpstream(w, r, err)
		return
	}
	list, ok := data.([]any)
	if !ok {
		respondJSON(w, http.StatusOK, data)
		return
	}
	drivers := shapeDrivers(asMaps(list))
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(drivers),
		"drivers": drivers,
	})
}

func (s *Server) handleDriverDetail(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	meetingKey := queryDefault(r, "meeting_key", "latest")
	sessionKey := queryDefault(r, "session_key", "latest")

	info := first(s.fetchList(r, "drivers", url.Values{
		"driver_number": {number},
		"session_key":   {"latest"},
	}))
	if info != nil && strField(info, "headshot_url") == "" {
		info["headshot_url"] = headshotFallback
	}

	results := s.fetchList(r, "session_result", url.Values{
		"driver_number": {number},
		"meeting_key":   {meetingKey},
	})
	sessionParams := url.Values{"driver_number": {number}, "session_key": {sessionKey}}
	laps := s.fetchList(r, "laps", sessionParams)
	stints := s.fetchList(r, "stints", sessionParams)
	pits := s.fetchList(r, "pit", sessionParams)

	year := strconv.Itoa(time.Now().Year())
	meetings := s.fetchList(r, "meetings", url.Values{"year": {year}})
	if len(meetings) > 5 {
		meetings = meetings[len(meetings)-5:]
	}
	sessions := s.fetchList(r, "sessions", url.Values{"meeting_key": {meetingKey}})

	respondJSON(w, http.StatusOK, map[string]any{
		"driver":          info,
		"driver_number":   number,
		"session_results": results,
		"laps":            laps,
		"lap_compounds":   lapCompounds(stints),
		"pit_stops":       pits,
		"meetings":        meetings,
		"sessions":        sessions,
		"session_names":   sessionNames(sessions),
		"current_meeting": meetingKey,
		"current_session": sessionKey,
	})
}

// handleTeams groups the drivers of the latest session by team.
func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	data, err := s.fetch(r, "drivers", url.Values{"session_key": {"latest"}})
	if err != nil {
		s.respondUpstream(w, r, err)
		return
	}
	list, ok := data.([]any)
	if !ok {
		respondJSON(w, http.StatusOK, data)
		return
	}
	teams := shapeTeams(asMaps(list))
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(teams),
		"teams": teams,
	})
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	params := url.Values{"session_type": {"Race"}}
	if season := r.URL.Query().Get("season"); season != "" {
		params.Set("year", season)
	}
	data, err := s.fetch(r, "sessions", params)
	if err != nil {
		s.respondUpstream(w, r, err)
		return
	}
	list, ok := data.([]any)
	if !ok {
		respondJSON(w, http.StatusOK, data)
		return
	}
	races := asMaps(list)
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(races),
		"races": races,
	})
}

// handleRaceDetail renders a race weekend: the meeting, its sessions in
// chronological order and per-session classifications enriched with
// driver data. Missing upstream sections degrade to empty lists.
func (s *Server) handleRaceDetail(w http.ResponseWriter, r *http.Request) {
	meetingKey := chi.URLParam(r, "meetingKey")

	meeting := first(s.fetchList(r, "meetings", url.Values{"meeting_key": {meetingKey}}))

	sessions := s.fetchList(r, "sessions", url.Values{"meeting_key": {meetingKey}})
	sort.SliceStable(sessions, func(i, j int) bool {
		return strField(sessions[i], "date_start") < strField(sessions[j], "date_start")
	})

	blocks := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		sessionKey, ok := intField(session, "session_key")
		if !ok {
			continue
		}
		name := strField(session, "session_name")
		if name == "" {
			name = strField(session, "session_type")
		}
		params := url.Values{"session_key": {strconv.Itoa(sessionKey)}}
		results := s.fetchList(r, "session_result", params)
		drivers := s.fetchList(r, "drivers", params)
		blocks = append(blocks, map[string]any{
			"session_key":  sessionKey,
			"session_name": name,
			"session_type": session["session_type"],
			"date_start":   session["date_start"],
			"results":      mergeResults(results, drivers),
		})
	}

	meetings := s.fetchList(r, "meetings", nil)
	sort.SliceStable(meetings, func(i, j int) bool {
		return strField(meetings[i], "date_start") > strField(meetings[j], "date_start")
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"meeting":         meeting,
		"meeting_key":     meetingKey,
		"sessions":        sessions,
		"session_results": blocks,
		"meetings":        meetings,
	})
}

// fetch runs a cached upstream request, honoring the refresh query
// parameter of the incoming request.
func (s *Server) fetch(r *http.Request, path string, params url.Values) (any, error) {
	return s.fetcher.FetchWithOptions(r.Context(), path, params, pitwall.FetchOptions{
		ForceRefresh: forceRefresh(r),
	})
}

// fetchList is fetch for endpoints used as page sections: failures and
// unexpected shapes degrade to an empty list instead of failing the page.
func (s *Server) fetchList(r *http.Request, path string, params url.Values) []map[string]any {
	data, err := s.fetch(r, path, params)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("upstream_path", path).
			Msg("Could not fetch upstream data")
		return []map[string]any{}
	}
	list, ok := data.([]any)
	if !ok {
		return []map[string]any{}
	}
	return asMaps(list)
}

// respondUpstream renders a fetch error. Upstream failures keep their
// own status code in the body and are served as 502.
func (s *Server) respondUpstream(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *pitwall.UpstreamError
	if errors.As(err, &upstream) {
		respondJSON(w, http.StatusBadGateway, upstream)
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("Could not fetch upstream data")
	respondError(w, http.StatusBadGateway, err.Error())
}

func forceRefresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	if v == "" {
		return false
	}
	force, err := strconv.ParseBool(v)
	return err == nil && force
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}

func asMaps(list []any) []map[string]any {
	maps := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			maps = append(maps, m)
		}
	}
	return maps
}

func first(items []map[string]any) map[string]any {
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numField(m map[string]any, key string) float64 {
	n, _ := m[key].(float64)
	return n
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// intField reads the first of the given keys as an integer, accepting
// both JSON numbers and numeric strings.
func intField(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// shapeDrivers prefers the most recent session when the same driver
// appears several times, fills in missing headshots and orders the
// result by car number.
func shapeDrivers(items []map[string]any) []map[string]any {
	sort.SliceStable(items, func(i, j int) bool {
		return numField(items[i], "session_key") > numField(items[j], "session_key")
	})
	seen := make(map[string]bool)
	unique := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if strField(item, "headshot_url") == "" {
			item["headshot_url"] = headshotFallback
		}
		if name := strField(item, "broadcast_name"); name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		unique = append(unique, item)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return driverNumber(unique[i]) < driverNumber(unique[j])
	})
	return unique
}

func driverNumber(m map[string]any) float64 {
	if n, ok := m["driver_number"].(float64); ok {
		return n
	}
	return 999
}

// shapeTeams groups drivers by team name. Teams are ordered by name,
// drivers within a team by car number.
func shapeTeams(drivers []map[string]any) []map[string]any {
	byName := make(map[string][]map[string]any)
	for _, driver := range drivers {
		team := strField(driver, "team_name")
		if team == "" {
			continue
		}
		headshot := strField(driver, "headshot_url")
		if headshot == "" {
			headshot = headshotFallback
		}
		byName[team] = append(byName[team], map[string]any{
			"driver_number": driver["driver_number"],
			"full_name":     driver["full_name"],
			"name_acronym":  driver["name_acronym"],
			"headshot_url":  headshot,
			"team_colour":   driver["team_colour"],
		})
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	teams := make([]map[string]any, 0, len(names))
	for _, name := range names {
		members := byName[name]
		sort.SliceStable(members, func(i, j int) bool {
			return driverNumber(members[i]) < driverNumber(members[j])
		})
		teams = append(teams, map[string]any{
			"team_name":   name,
			"team_colour": members[0]["team_colour"],
			"drivers":     members,
		})
	}
	return teams
}

// lapCompounds maps lap numbers to tyre compounds using stint ranges.
// Earlier stints win when ranges overlap.
func lapCompounds(stints []map[string]any) map[int]string {
	compounds := make(map[int]string)
	for _, stint := range stints {
		compound := strField(stint, "compound")
		if compound == "" {
			compound = strField(stint, "tyre_compound")
		}
		start, okStart := intField(stint, "lap_start", "start_lap", "start")
		end, okEnd := intField(stint, "lap_end", "end_lap", "end")
		if compound == "" || !okStart || !okEnd {
			continue
		}
		for lap := start; lap <= end; lap++ {
			if _, exists := compounds[lap]; !exists {
				compounds[lap] = compound
			}
		}
	}
	return compounds
}

// sessionNames maps session keys to display names for lookup.
func sessionNames(sessions []map[string]any) map[int]string {
	names := make(map[int]string)
	for _, session := range sessions {
		key, ok := intField(session, "session_key")
		if !ok {
			continue
		}
		name := strField(session, "session_name")
		if name == "" {
			name = strField(session, "session_type")
		}
		if name != "" {
			names[key] = name
		}
	}
	return names
}

// mergeResults orders a classification by position and joins in driver
// identity fields. Drivers without a position rank last and show DNF.
func mergeResults(results, drivers []map[string]any) []map[string]any {
	byNumber := make(map[float64]map[string]any, len(drivers))
	for _, driver := range drivers {
		if n, ok := driver["driver_number"].(float64); ok {
			byNumber[n] = driver
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return resultPosition(results[i]) < resultPosition(results[j])
	})

	for idx, result := range results {
		if driver, ok := byNumber[numField(result, "driver_number")]; ok {
			if name := strField(driver, "full_name"); name != "" {
				result["full_name"] = name
			}
			if acronym := strField(driver, "name_acronym"); acronym != "" {
				result["name_acronym"] = acronym
			}
			if team := strField(driver, "team_name"); team != "" {
				result["team_name"] = team
			}
			result["team_colour"] = driver["team_colour"]
		}

		if position, ok := result["position"].(float64); ok {
			result["display_position"] = position
		} else {
			result["display_position"] = "DNF"
		}
		if idx == 0 {
			result["gap_to_leader"] = "Leader"
		}

		status := make([]string, 0, 3)
		if boolField(result, "dnf") {
			status = append(status, "DNF")
		}
		if boolField(result, "dns") {
			status = append(status, "DNS")
		}
		if boolField(result, "dsq") {
			status = append(status, "DSQ")
		}
		if len(status) == 0 {
			result["status_display"] = "Finished"
		} else {
			result["status_display"] = strings.Join(status, ", ")
		}
	}
	return results
}

func resultPosition(result map[string]any) float64 {
	if position, ok := result["position"].(float64); ok && position > 0 {
		return position
	}
	return 999
}
