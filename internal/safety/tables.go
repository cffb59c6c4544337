package safety

const evidenceEstablished = "established"

var nsaidWarfarin = InteractionRule{
	Severity:        SeverityMajor,
	Description:     "NSAIDs increase bleeding risk with warfarin",
	Mechanism:       "NSAIDs inhibit platelet function and may increase warfarin levels",
	ClinicalEffects: "Increased risk of GI and other bleeding",
	Management:      "Avoid if possible. Use acetaminophen for pain relief",
	Evidence:        evidenceEstablished,
}

var qtProlongation = InteractionRule{
	Severity:    SeverityModerate,
	Description: "Additive QT prolongation risk",
	Mechanism:   "Both drugs can prolong QT interval",
	Evidence:    "probable",
}

func pair(a, b string, base InteractionRule) InteractionRule {
	base.DrugA, base.DrugB = a, b
	return base
}

// DefaultTables returns the built-in knowledge tables.
func DefaultTables() Tables {
	return Tables{
		Interactions:      defaultInteractions(),
		ClassInteractions: defaultClassInteractions(),
		Conditions:        defaultConditions(),
		CrossReactivity: []CrossReactivity{
			{Allergen: "penicillin", Drugs: []string{"amoxicillin", "ampicillin", "piperacillin"}},
			{Allergen: "sulfa", Drugs: []string{"sulfamethoxazole", "sulfasalazine", "celecoxib"}},
			{Allergen: "aspirin", Drugs: []string{"ibuprofen", "diclofenac", "naproxen"}},
			{Allergen: "cephalosporin", Drugs: []string{"cephalexin", "cefixime", "ceftriaxone"}},
		},
		Guidelines:       defaultGuidelines(),
		GuidelineAliases: defaultGuidelineAliases(),
	}
}

func defaultInteractions() []InteractionRule {
	return []InteractionRule{
		// Anticoagulants
		{DrugA: "aspirin", DrugB: "warfarin", Severity: SeverityMajor,
			Description:     "Increased risk of bleeding when aspirin is combined with warfarin",
			Mechanism:       "Both drugs affect hemostasis through different mechanisms",
			ClinicalEffects: "Increased risk of serious bleeding, including GI and intracranial hemorrhage",
			Management:      "Avoid combination if possible. If necessary, use lowest effective aspirin dose and monitor closely",
			Evidence:        evidenceEstablished},
		{DrugA: "clopidogrel", DrugB: "warfarin", Severity: SeverityMajor,
			Description:     "Increased bleeding risk with dual anticoagulant/antiplatelet therapy",
			Mechanism:       "Combined anticoagulant and antiplatelet effects",
			ClinicalEffects: "Significantly increased risk of bleeding",
			Management:      "Monitor closely for signs of bleeding. Consider PPI for GI protection",
			Evidence:        evidenceEstablished},
		{DrugA: "aspirin", DrugB: "clopidogrel", Severity: SeverityModerate,
			Description:     "Dual antiplatelet therapy increases bleeding risk",
			Mechanism:       "Additive antiplatelet effects",
			ClinicalEffects: "Increased bleeding risk, but often used intentionally for cardiac protection",
			Management:      "Often prescribed together intentionally. Monitor for bleeding",
			Evidence:        evidenceEstablished},

		// NSAIDs
		{DrugA: "ibuprofen", DrugB: "aspirin", Severity: SeverityModerate,
			Description:     "Ibuprofen may reduce cardioprotective effect of low-dose aspirin",
			Mechanism:       "Competitive inhibition of COX-1 platelet binding site",
			ClinicalEffects: "Reduced antiplatelet effect of aspirin; increased GI bleeding risk",
			Management:      "Take aspirin 30 minutes before ibuprofen or use alternative analgesic",
			Evidence:        evidenceEstablished},
		pair("ibuprofen", "warfarin", nsaidWarfarin),
		pair("diclofenac", "warfarin", nsaidWarfarin),

		// ACE inhibitors, ARBs and potassium
		{DrugA: "lisinopril", DrugB: "spironolactone", Severity: SeverityMajor,
			Description:     "Risk of hyperkalemia",
			Mechanism:       "Both drugs increase potassium levels",
			ClinicalEffects: "Potentially life-threatening hyperkalemia",
			Management:      "Monitor potassium levels closely. Consider alternative",
			Evidence:        evidenceEstablished},
		{DrugA: "losartan", DrugB: "spironolactone", Severity: SeverityMajor,
			Description:     "Risk of hyperkalemia",
			Mechanism:       "Both drugs increase potassium levels",
			ClinicalEffects: "Potentially life-threatening hyperkalemia",
			Management:      "Monitor potassium levels closely",
			Evidence:        evidenceEstablished},

		{DrugA: "metformin", DrugB: "alcohol", Severity: SeverityMajor,
			Description:     "Increased risk of lactic acidosis",
			Mechanism:       "Alcohol increases lactate production and impairs gluconeogenesis",
			ClinicalEffects: "Rare but potentially fatal lactic acidosis",
			Management:      "Limit alcohol intake significantly",
			Evidence:        evidenceEstablished},

		// CNS depression
		{DrugA: "alprazolam", DrugB: "tramadol", Severity: SeverityMajor,
			Description:     "CNS and respiratory depression risk",
			Mechanism:       "Additive CNS depressant effects",
			ClinicalEffects: "Sedation, respiratory depression, coma, death",
			Management:      "Avoid combination. If necessary, use lowest doses and monitor",
			Evidence:        evidenceEstablished},
		{DrugA: "alprazolam", DrugB: "codeine", Severity: SeverityMajor,
			Description:     "CNS and respiratory depression risk",
			Mechanism:       "Additive CNS depressant effects",
			ClinicalEffects: "Sedation, respiratory depression, coma, death",
			Management:      "Avoid combination if possible",
			Evidence:        evidenceEstablished},
		{DrugA: "clonazepam", DrugB: "tramadol", Severity: SeverityMajor,
			Description:     "CNS and respiratory depression risk",
			Mechanism:       "Additive CNS depressant effects",
			ClinicalEffects: "Sedation, respiratory depression",
			Management:      "Avoid or use with extreme caution",
			Evidence:        evidenceEstablished},

		// Serotonin syndrome
		{DrugA: "sertraline", DrugB: "tramadol", Severity: SeverityMajor,
			Description:     "Risk of serotonin syndrome",
			Mechanism:       "Both drugs increase serotonin levels",
			ClinicalEffects: "Agitation, hyperthermia, tachycardia, neuromuscular abnormalities",
			Management:      "Use alternative analgesic. Monitor for serotonin syndrome symptoms",
			Evidence:        evidenceEstablished},
		{DrugA: "escitalopram", DrugB: "tramadol", Severity: SeverityMajor,
			Description:     "Risk of serotonin syndrome",
			Mechanism:       "Both drugs increase serotonin levels",
			ClinicalEffects: "Agitation, hyperthermia, neuromuscular symptoms",
			Management:      "Avoid combination if possible",
			Evidence:        evidenceEstablished},

		// Statins
		{DrugA: "atorvastatin", DrugB: "clarithromycin", Severity: SeverityMajor,
			Description:     "Increased statin levels and myopathy risk",
			Mechanism:       "CYP3A4 inhibition increases statin concentration",
			ClinicalEffects: "Increased risk of rhabdomyolysis",
			Management:      "Use alternative antibiotic or temporarily hold statin",
			Evidence:        evidenceEstablished},
		{DrugA: "simvastatin", DrugB: "clarithromycin", Severity: SeverityContraindicated,
			Description:     "Contraindicated - severe myopathy risk",
			Mechanism:       "CYP3A4 inhibition dramatically increases simvastatin levels",
			ClinicalEffects: "High risk of rhabdomyolysis",
			Management:      "Do not use together. Use alternative antibiotic",
			Evidence:        evidenceEstablished},

		// Thyroid
		{DrugA: "levothyroxine", DrugB: "calcium", Severity: SeverityModerate,
			Description:     "Calcium reduces levothyroxine absorption",
			Mechanism:       "Calcium binds levothyroxine in GI tract",
			ClinicalEffects: "Reduced thyroid hormone levels, hypothyroid symptoms",
			Management:      "Separate administration by 4 hours",
			Evidence:        evidenceEstablished},
		{DrugA: "levothyroxine", DrugB: "omeprazole", Severity: SeverityModerate,
			Description:     "PPIs may reduce levothyroxine absorption",
			Mechanism:       "Altered gastric pH affects absorption",
			ClinicalEffects: "Reduced levothyroxine effectiveness",
			Management:      "Monitor thyroid levels. May need dose adjustment",
			Evidence:        "probable"},

		// QT prolongation
		func() InteractionRule {
			r := pair("azithromycin", "ondansetron", qtProlongation)
			r.ClinicalEffects = "Risk of cardiac arrhythmias including Torsades de Pointes"
			r.Management = "Monitor ECG in high-risk patients"
			return r
		}(),
		func() InteractionRule {
			r := pair("ciprofloxacin", "ondansetron", qtProlongation)
			r.ClinicalEffects = "Risk of cardiac arrhythmias"
			r.Management = "Use with caution, especially in elderly"
			return r
		}(),

		// Diabetes
		{DrugA: "metformin", DrugB: "furosemide", Severity: SeverityModerate,
			Description:     "Furosemide may increase metformin levels",
			Mechanism:       "Competition for renal tubular transport",
			ClinicalEffects: "Increased metformin concentration and effect",
			Management:      "Monitor blood glucose and for metformin side effects",
			Evidence:        "probable"},
		{DrugA: "glimepiride", DrugB: "fluconazole", Severity: SeverityModerate,
			Description:     "Increased hypoglycemia risk",
			Mechanism:       "Fluconazole inhibits sulfonylurea metabolism",
			ClinicalEffects: "Enhanced hypoglycemic effect",
			Management:      "Monitor blood glucose closely. May need dose reduction",
			Evidence:        evidenceEstablished},

		// Absorption
		{DrugA: "calcium", DrugB: "iron", Severity: SeverityMinor,
			Description:     "Calcium reduces oral iron absorption",
			Mechanism:       "Competition for intestinal absorption",
			ClinicalEffects: "Slower correction of iron deficiency",
			Management:      "Separate doses by 2 hours",
			Evidence:        evidenceEstablished},
		{DrugA: "omeprazole", DrugB: "iron", Severity: SeverityMinor,
			Description:     "PPIs may reduce non-heme iron absorption",
			Mechanism:       "Reduced gastric acidity impairs iron solubility",
			ClinicalEffects: "Reduced response to oral iron",
			Management:      "Monitor hemoglobin and ferritin",
			Evidence:        "probable"},
	}
}

func defaultClassInteractions() []ClassRule {
	return []ClassRule{
		{SideA: "nsaid", SideB: "anticoagulant", Severity: SeverityMajor,
			Description: "NSAIDs increase bleeding risk with anticoagulants",
			Management:  "Avoid NSAIDs with anticoagulants when possible"},
		{SideA: "nsaid", SideB: "ace_inhibitor", Severity: SeverityModerate,
			Description: "NSAIDs may reduce antihypertensive effect and worsen renal function",
			Management:  "Monitor blood pressure and renal function"},
		{SideA: "nsaid", SideB: "arb", Severity: SeverityModerate,
			Description: "NSAIDs may reduce antihypertensive effect and worsen renal function",
			Management:  "Monitor blood pressure and renal function"},
		{SideA: "benzodiazepine", SideB: "opioid_analgesic", Severity: SeverityMajor,
			Description: "Combined CNS depression risk",
			Management:  "Avoid combination. Black box warning exists"},
		{SideA: "ssri", SideB: "opioid_analgesic", Severity: SeverityMajor,
			Description: "Risk of serotonin syndrome with certain opioids",
			Management:  "Monitor for serotonin syndrome symptoms"},
		{SideA: "statin", SideB: "fibrate", Severity: SeverityMajor,
			Description: "Increased myopathy risk",
			Management:  "Use lowest effective statin dose. Monitor for muscle symptoms"},
		{SideA: "ppi", SideB: "clopidogrel", Severity: SeverityModerate,
			Description: "PPIs may reduce clopidogrel effectiveness",
			Management:  "Use pantoprazole if PPI needed (least interaction)"},
	}
}

func defaultConditions() []ConditionRule {
	return []ConditionRule{
		{Condition: "renal_impairment",
			Aliases:         []string{"ckd", "chronic kidney disease", "renal failure", "kidney disease"},
			Contraindicated: []string{"metformin"},
			Caution:         []string{"nsaid", "ace_inhibitor", "arb", "digoxin"}},
		{Condition: "liver_disease",
			Aliases:         []string{"cirrhosis", "hepatic impairment", "liver failure"},
			Contraindicated: []string{"methotrexate"},
			Caution:         []string{"statin", "paracetamol"}},
		{Condition: "heart_failure",
			Aliases:         []string{"chf", "hfref", "congestive heart failure"},
			Contraindicated: []string{"nsaid", "thiazolidinedione"},
			Caution:         []string{"calcium_channel_blocker", "beta_blocker"}},
		{Condition: "asthma",
			Contraindicated: []string{"beta_blocker"},
			Caution:         []string{"aspirin", "nsaid"}},
		{Condition: "pregnancy",
			Aliases:         []string{"pregnant"},
			Contraindicated: []string{"warfarin", "statin", "ace_inhibitor", "arb", "methotrexate"},
			Caution:         []string{"nsaid"}},
		{Condition: "gi_ulcer",
			Aliases: []string{"peptic ulcer", "gastric ulcer", "peptic ulcer disease"},
			Caution: []string{"nsaid", "aspirin", "corticosteroid"}},
	}
}

var (
	raasBlockers = []string{"ace_inhibitor", "arb", "arni"}
	betaBlockers = []string{"beta_blocker"}
)

func defaultGuidelines() []Guideline {
	return []Guideline{
		{Key: "diabetes_type2", Source: "American Diabetes Association", Version: "ADA Standards of Care 2025",
			Requirements: []Requirement{
				{Item: "Metformin first-line unless contraindicated", Weight: 15, Satisfiers: []string{"biguanide"}},
				{Item: "SGLT2i or GLP-1 RA if ASCVD/HF/CKD", Weight: 20, Satisfiers: []string{"sglt2_inhibitor", "glp1_agonist"}},
				{Item: "A1C target individualized (typically < 7%)", Weight: 10},
				{Item: "Annual nephropathy screening (uACR)", Weight: 10},
				{Item: "Annual retinopathy screening", Weight: 10},
				{Item: "Statin therapy for ages 40-75", Weight: 15, Satisfiers: []string{"statin"}},
				{Item: "Blood pressure target < 130/80", Weight: 10},
				{Item: "Aspirin if high CV risk", Weight: 10, Satisfiers: []string{"aspirin"}},
			}},
		{Key: "hypertension", Source: "American Heart Association", Version: "AHA/ACC 2024 Guidelines",
			Requirements: []Requirement{
				{Item: "ACEi/ARB for diabetes or CKD", Weight: 20, Satisfiers: raasBlockers},
				{Item: "Thiazide or CCB for uncomplicated HTN", Weight: 15, Satisfiers: []string{"thiazide_diuretic", "calcium_channel_blocker"}},
				{Item: "Beta-blocker if prior MI or HFrEF", Weight: 15, Satisfiers: betaBlockers},
				{Item: "BP target < 130/80 for high risk", Weight: 20},
				{Item: "Home BP monitoring recommended", Weight: 10},
				{Item: "Lifestyle modifications counseled", Weight: 10},
				{Item: "Assess for secondary causes if resistant", Weight: 10},
			}},
		{Key: "heart_failure_hfref", Source: "American College of Cardiology", Version: "ACC/AHA 2024 HF Guidelines",
			Requirements: []Requirement{
				{Item: "ACEi/ARB/ARNI (Entresto preferred)", Weight: 20, Satisfiers: raasBlockers},
				{Item: "Beta-blocker (carvedilol/metoprolol/bisoprolol)", Weight: 20, Satisfiers: betaBlockers},
				{Item: "MRA (spironolactone/eplerenone)", Weight: 15, Satisfiers: []string{"mra_diuretic"}},
				{Item: "SGLT2i (dapagliflozin/empagliflozin)", Weight: 15, Satisfiers: []string{"sglt2_inhibitor"}},
				{Item: "Loop diuretic for volume management", Weight: 10, Satisfiers: []string{"loop_diuretic"}},
				{Item: "ICD if EF ≤ 35% after 3 months GDMT", Weight: 10},
				{Item: "Cardiac rehab referral", Weight: 10},
			}},
		{Key: "atrial_fibrillation", Source: "American College of Cardiology", Version: "ACC/AHA 2024 AF Guidelines",
			Requirements: []Requirement{
				{Item: "CHA2DS2-VASc assessment", Weight: 15},
				{Item: "Anticoagulation if score ≥ 2 (men) or ≥ 3 (women)", Weight: 25, Satisfiers: []string{"anticoagulant"}},
				{Item: "DOAC preferred over warfarin", Weight: 15, Satisfiers: []string{"doac"}},
				{Item: "Rate control target < 110 bpm at rest", Weight: 15},
				{Item: "Assess for modifiable risk factors", Weight: 10},
				{Item: "Discuss rhythm vs rate control strategy", Weight: 10},
				{Item: "HAS-BLED bleeding risk assessment", Weight: 10},
			}},
		{Key: "copd", Source: "Global Initiative for Chronic Obstructive Lung Disease", Version: "GOLD 2025 Report",
			Requirements: []Requirement{
				{Item: "Inhaled bronchodilator (LAMA or LABA)", Weight: 20, Satisfiers: []string{"lama_bronchodilator"}},
				{Item: "Add ICS if frequent exacerbations + eosinophils > 300", Weight: 15, Satisfiers: []string{"inhaled_corticosteroid"}},
				{Item: "Smoking cessation counseling", Weight: 20},
				{Item: "Pulmonary rehabilitation referral", Weight: 15},
				{Item: "Annual influenza vaccination", Weight: 10},
				{Item: "Pneumococcal vaccination", Weight: 10},
				{Item: "Rescue SABA prescribed", Weight: 10, Satisfiers: []string{"salbutamol"}},
			}},
		{Key: "acute_coronary_syndrome", Source: "American College of Cardiology", Version: "ACC/AHA 2024 NSTE-ACS Guidelines",
			Requirements: []Requirement{
				{Item: "Dual antiplatelet therapy (DAPT)", Weight: 20, Satisfiers: []string{"antiplatelet"}, MinDrugs: 2},
				{Item: "High-intensity statin", Weight: 15, Satisfiers: []string{"statin"}},
				{Item: "ACEi/ARB if EF < 40% or HTN", Weight: 15, Satisfiers: raasBlockers},
				{Item: "Beta-blocker within 24 hours", Weight: 15, Satisfiers: betaBlockers},
				{Item: "P2Y12 inhibitor (ticagrelor preferred for ACS)", Weight: 15, Satisfiers: []string{"clopidogrel", "ticagrelor"}},
				{Item: "Anticoagulation during hospitalization", Weight: 10, Satisfiers: []string{"anticoagulant"}},
				{Item: "Cardiac rehab referral at discharge", Weight: 10},
			}},
	}
}

func defaultGuidelineAliases() []GuidelineAlias {
	aliases := map[string][]string{
		"diabetes_type2":          {"diabetes", "type 2 diabetes", "dm2", "t2dm", "diabetes mellitus"},
		"hypertension":            {"hypertension", "htn", "high blood pressure"},
		"heart_failure_hfref":     {"heart failure", "hf", "chf", "hfref"},
		"atrial_fibrillation":     {"atrial fibrillation", "afib", "af"},
		"copd":                    {"copd", "chronic obstructive pulmonary disease"},
		"acute_coronary_syndrome": {"acs", "nstemi", "stemi", "unstable angina", "myocardial infarction", "mi"},
	}
	order := []string{"diabetes_type2", "hypertension", "heart_failure_hfref", "atrial_fibrillation", "copd", "acute_coronary_syndrome"}

	var out []GuidelineAlias
	for _, key := range order {
		for _, a := range aliases[key] {
			out = append(out, GuidelineAlias{Alias: a, Guideline: key})
		}
	}
	return out
}
