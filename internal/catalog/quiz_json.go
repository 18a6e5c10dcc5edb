package catalog

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

func encodeQuizQuestions(qs []QuizQuestion) []byte {
	raw, err := json.Marshal(qs)
	if err != nil {
		log.Warn().Err(err).Msg("quiz_questions_marshal_failed")
		return []byte("[]")
	}
	return raw
}

func decodeQuizQuestions(raw []byte) []QuizQuestion {
	var qs []QuizQuestion
	if err := json.Unmarshal(raw, &qs); err != nil {
		log.Warn().Err(err).Msg("quiz_questions_unmarshal_failed")
		return nil
	}
	return qs
}
