package attendance

import "testing"

func TestPct(t *testing.T) {
	cases := []struct {
		num, den, want int
	}{
		{0, 0, 0},  // empty denominator never divides
		{5, 0, 0},
		{0, 10, 0},
		{10, 10, 100},
		{1, 3, 33},
		{2, 3, 67}, // rounds, not truncates
		{1, 2, 50},
	}
	for _, tc := range cases {
		if got := pct(tc.num, tc.den); got != tc.want {
			t.Errorf("pct(%d, %d) = %d, want %d", tc.num, tc.den, got, tc.want)
		}
	}
}

func TestReduceAttendanceRate(t *testing.T) {
	in := StatsInputs{
		Participants: 3,
		Slots:        2,
		PresentCells: 9,
		MarkedCells:  10,
	}
	st := in.Reduce()

	if st.TotalAttendanceCells != 12 {
		t.Errorf("total cells = %d, want 3*2*2 = 12", st.TotalAttendanceCells)
	}
	if st.AttendanceRate != 75 {
		t.Errorf("attendance rate = %d, want 75", st.AttendanceRate)
	}
	if st.CompletionRate != 83 {
		t.Errorf("completion rate = %d, want 83", st.CompletionRate)
	}
}

func TestReduceEmptySession(t *testing.T) {
	st := StatsInputs{}.Reduce()
	if st.AttendanceRate != 0 || st.QuizPassRate != 0 || st.QuestionnaireCoverage != 0 {
		t.Errorf("empty session should produce zero rates, got %+v", st)
	}
	if st.AverageTrainerRating != 0 {
		t.Errorf("no ratings should give 0 average, got %v", st.AverageTrainerRating)
	}
}

func TestReduceQuizPassRate(t *testing.T) {
	in := StatsInputs{
		QuizResults: []QuizResult{
			{ParticipantID: "a", Score: 70, MaxScore: 100},  // exactly 70% passes
			{ParticipantID: "b", Score: 69.9, MaxScore: 100},
			{ParticipantID: "c", Score: 14, MaxScore: 20},   // 70% of 20
			{ParticipantID: "d", Score: 5, MaxScore: 0},     // unscorable quiz never passes
		},
	}
	st := in.Reduce()
	if st.QuizPassRate != 50 {
		t.Errorf("pass rate = %d, want 50 (2 of 4)", st.QuizPassRate)
	}
}

func TestReduceTrainerRating(t *testing.T) {
	in := StatsInputs{RatingSum: 13, RatingCount: 3}
	st := in.Reduce()
	if st.AverageTrainerRating != 4.3 {
		t.Errorf("average rating = %v, want 4.3", st.AverageTrainerRating)
	}
}

func TestReduceQuestionnaireCoverage(t *testing.T) {
	in := StatsInputs{QuestionnairesSent: 8, QuestionnairesDone: 6}
	if got := in.Reduce().QuestionnaireCoverage; got != 75 {
		t.Errorf("coverage = %d, want 75", got)
	}
}

func TestComputeSheetStats(t *testing.T) {
	rows := []Row{
		{Morning: PeriodMark{Present: Present}, Afternoon: PeriodMark{Present: Present}},
		{Morning: PeriodMark{Present: Absent}, Afternoon: PeriodMark{Present: Present}},
		{Morning: PeriodMark{Present: Unmarked}, Afternoon: PeriodMark{Present: Absent}},
	}
	st := computeSheetStats(rows)

	if st.Participants != 3 {
		t.Errorf("participants = %d, want 3", st.Participants)
	}
	if st.Morning.Present != 1 || st.Morning.Absent != 1 || st.Morning.Unmarked != 1 {
		t.Errorf("morning tally = %+v", st.Morning)
	}
	if st.Afternoon.Present != 2 || st.Afternoon.Absent != 1 || st.Afternoon.Unmarked != 0 {
		t.Errorf("afternoon tally = %+v", st.Afternoon)
	}
	if st.Morning.Rate != 33 || st.Afternoon.Rate != 67 {
		t.Errorf("rates = %d / %d, want 33 / 67", st.Morning.Rate, st.Afternoon.Rate)
	}
}

func TestComputeSheetStatsEmpty(t *testing.T) {
	st := computeSheetStats(nil)
	if st.Morning.Rate != 0 || st.Afternoon.Rate != 0 {
		t.Errorf("empty sheet should have zero rates, got %+v", st)
	}
}
