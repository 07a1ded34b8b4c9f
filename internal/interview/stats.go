package interview

import "time"

// Progress is what the client shows while the interview runs.
type Progress struct {
	Current  int `json:"current"`
	Total    int `json:"total"`
	Answered int `json:"answered"`
}

// Statistics summarizes a session for the completion response and the
// persisted interview metadata.
type Statistics struct {
	TotalQuestions      int     `json:"totalQuestions"`
	AnsweredQuestions   int     `json:"answeredQuestions"`
	TotalDurationMS     int64   `json:"totalDuration"`
	AverageAnswerLength float64 `json:"averageAnswerLength"`
	AverageConfidence   float64 `json:"averageConfidence"`
	AverageAnswerMS     int64   `json:"averageAnswerDuration"`
	FollowUpCount       int     `json:"followUpCount"`
	RedirectionCount    int     `json:"redirectionCount"`
}

// Progress returns the 1-based position of the pointer.
func (m *Machine) Progress() Progress {
	cur := m.index + 1
	if cur > len(m.questions) {
		cur = len(m.questions)
	}
	return Progress{Current: cur, Total: len(m.questions), Answered: m.answeredCount()}
}

func (m *Machine) answeredCount() int {
	n := 0
	for _, a := range m.answers {
		if a.IsComplete {
			n++
		}
	}
	return n
}

// Statistics aggregates over all answers known so far.
func (m *Machine) Statistics() Statistics {
	st := Statistics{TotalQuestions: len(m.questions)}
	var chars, conf int
	var spoken time.Duration
	var timed int
	for _, a := range m.answers {
		st.FollowUpCount += a.FollowUpCount
		st.RedirectionCount += a.RedirectCount
		if !a.IsComplete {
			continue
		}
		st.AnsweredQuestions++
		chars += TextLength(a.Transcript)
		conf += a.Confidence
		if !a.AudioStart.IsZero() && a.AudioEnd.After(a.AudioStart) {
			spoken += a.AudioEnd.Sub(a.AudioStart)
			timed++
		}
	}
	if st.AnsweredQuestions > 0 {
		st.AverageAnswerLength = float64(chars) / float64(st.AnsweredQuestions)
		st.AverageConfidence = float64(conf) / float64(st.AnsweredQuestions)
	}
	if timed > 0 {
		st.AverageAnswerMS = (spoken / time.Duration(timed)).Milliseconds()
	}
	if d := m.now().Sub(m.startedAt); d > 0 {
		st.TotalDurationMS = d.Milliseconds()
	}
	return st
}
