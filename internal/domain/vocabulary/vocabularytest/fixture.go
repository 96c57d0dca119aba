// Package vocabularytest provides a small clinical vocabulary for tests.
package vocabularytest

import "github.com/ehr/normalizer/internal/domain/vocabulary"

const (
	Type2Diabetes        int64 = 201826
	Fever                int64 = 437663
	Pneumonia            int64 = 255848
	ChestPain            int64 = 77670
	Hypertension         int64 = 320128
	MyocardialInfarction int64 = 4329847
	Dyspnea              int64 = 312437
	Cough                int64 = 254761
	Asthma               int64 = 317009
	Lisinopril           int64 = 1308216
	Metformin            int64 = 1503297
	Aspirin              int64 = 1112807
	HemoglobinA1c        int64 = 3004410
	Colonoscopy          int64 = 4249893
)

// Concepts returns a fresh copy of the fixture so callers may mutate it.
func Concepts() []*vocabulary.Concept {
	return []*vocabulary.Concept{
		{ID: Type2Diabetes, Name: "Type 2 diabetes mellitus", Code: "44054006", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"type 2 diabetes", "diabetes", "T2DM", "diabetes mellitus type 2"}},
		{ID: Fever, Name: "Fever", Code: "386661006", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"fever", "pyrexia", "febrile"}},
		{ID: Pneumonia, Name: "Pneumonia", Code: "233604007", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"pneumonia"}},
		{ID: ChestPain, Name: "Chest pain", Code: "29857009", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"chest pain", "chest discomfort"}},
		{ID: Hypertension, Name: "Essential hypertension", Code: "59621000", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"hypertension", "HTN", "high blood pressure"}},
		{ID: MyocardialInfarction, Name: "Myocardial infarction", Code: "22298006", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"heart attack", "MI"}},
		{ID: Dyspnea, Name: "Dyspnea", Code: "267036007", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"shortness of breath", "SOB"}},
		{ID: Cough, Name: "Cough", Code: "49727002", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"cough"}},
		{ID: Asthma, Name: "Asthma", Code: "195967001", VocabularyID: "SNOMED", DomainID: "Condition",
			Synonyms: []string{"asthma"}},
		{ID: Lisinopril, Name: "Lisinopril", Code: "29046", VocabularyID: "RxNorm", DomainID: "Drug",
			Synonyms: []string{"lisinopril", "zestril"}},
		{ID: Metformin, Name: "Metformin", Code: "6809", VocabularyID: "RxNorm", DomainID: "Drug",
			Synonyms: []string{"metformin", "glucophage"}},
		{ID: Aspirin, Name: "Aspirin", Code: "1191", VocabularyID: "RxNorm", DomainID: "Drug",
			Synonyms: []string{"aspirin", "ASA"}},
		{ID: HemoglobinA1c, Name: "Hemoglobin A1c", Code: "4548-4", VocabularyID: "LOINC", DomainID: "Measurement",
			Synonyms: []string{"hba1c", "a1c"}},
		{ID: Colonoscopy, Name: "Colonoscopy", Code: "73761001", VocabularyID: "SNOMED", DomainID: "Procedure",
			Synonyms: []string{"colonoscopy"}},
	}
}

// Holder returns a loaded holder over Concepts.
func Holder() *vocabulary.Holder {
	return vocabulary.NewStaticHolder(Concepts())
}
