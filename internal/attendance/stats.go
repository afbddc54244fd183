package attendance

import "math"

// QuizResult is one participant's best quiz outcome for the session.
type QuizResult struct {
	ParticipantID string
	Score         float64
	MaxScore      float64
}

// StatsInputs are the raw counts the statistics reduction runs over. The
// repository gathers them; the reduction itself is pure.
type StatsInputs struct {
	Participants       int
	Slots              int
	PresentCells       int
	MarkedCells        int
	ActiveLearners     int
	QuestionnairesSent int
	QuestionnairesDone int
	QuizResults        []QuizResult
	RatingSum          float64
	RatingCount        int
}

// SessionStatistics is the session-wide KPI projection.
type SessionStatistics struct {
	Participants           int     `json:"participants"`
	Slots                  int     `json:"slots"`
	AttendanceRate         int     `json:"attendance_rate"`
	CompletionRate         int     `json:"completion_rate"`
	ActiveLearners         int     `json:"active_learners"`
	QuestionnaireCoverage  int     `json:"questionnaire_coverage"`
	QuizPassRate           int     `json:"quiz_pass_rate"`
	AverageTrainerRating   float64 `json:"average_trainer_rating"`
	TotalAttendanceCells   int     `json:"total_attendance_cells"`
	PresentAttendanceCells int     `json:"present_attendance_cells"`
}

// quizPassThreshold: a quiz counts as passed at 70% of its max score.
const quizPassThreshold = 0.7

// pct computes round(num/den*100), with an empty denominator mapping to 0
// rather than dividing by zero. Results always land in [0,100] when
// num <= den.
func pct(num, den int) int {
	if den == 0 {
		return 0
	}
	return int(math.Round(float64(num) / float64(den) * 100))
}

// Reduce computes the KPI projection from raw inputs.
func (in StatsInputs) Reduce() SessionStatistics {
	totalCells := in.Participants * in.Slots * 2

	passed := 0
	for _, q := range in.QuizResults {
		if q.MaxScore > 0 && q.Score >= quizPassThreshold*q.MaxScore {
			passed++
		}
	}

	var avgRating float64
	if in.RatingCount > 0 {
		avgRating = math.Round(in.RatingSum/float64(in.RatingCount)*10) / 10
	}

	return SessionStatistics{
		Participants:           in.Participants,
		Slots:                  in.Slots,
		AttendanceRate:         pct(in.PresentCells, totalCells),
		CompletionRate:         pct(in.MarkedCells, totalCells),
		ActiveLearners:         in.ActiveLearners,
		QuestionnaireCoverage:  pct(in.QuestionnairesDone, in.QuestionnairesSent),
		QuizPassRate:           pct(passed, len(in.QuizResults)),
		AverageTrainerRating:   avgRating,
		TotalAttendanceCells:   totalCells,
		PresentAttendanceCells: in.PresentCells,
	}
}

// PeriodStats summarizes one period column of a slot's sheet.
type PeriodStats struct {
	Present  int `json:"present"`
	Absent   int `json:"absent"`
	Unmarked int `json:"unmarked"`
	Rate     int `json:"rate"`
}

// SheetStats are the per-slot counts returned with the attendance sheet.
type SheetStats struct {
	Participants int         `json:"participants"`
	Morning      PeriodStats `json:"morning"`
	Afternoon    PeriodStats `json:"afternoon"`
}

// computeSheetStats tallies the sheet rows per period.
func computeSheetStats(rows []Row) SheetStats {
	st := SheetStats{Participants: len(rows)}
	for _, r := range rows {
		tally(&st.Morning, r.Morning.Present)
		tally(&st.Afternoon, r.Afternoon.Present)
	}
	st.Morning.Rate = pct(st.Morning.Present, len(rows))
	st.Afternoon.Rate = pct(st.Afternoon.Present, len(rows))
	return st
}

func tally(ps *PeriodStats, p Presence) {
	switch p {
	case Present:
		ps.Present++
	case Absent:
		ps.Absent++
	default:
		ps.Unmarked++
	}
}
