package medication

// DrugEntry is one row of the drug knowledge table.
type DrugEntry struct {
	Generic          string   `json:"generic"`
	Class            string   `json:"drug_class"`
	TherapeuticClass string   `json:"therapeutic_class"`
	Brands           []string `json:"brand_names,omitempty"`
}

// DefaultDrugTable returns the built-in drug table.
func DefaultDrugTable() []DrugEntry {
	return []DrugEntry{
		// Analgesics
		{Generic: "paracetamol", Class: "analgesic_antipyretic", TherapeuticClass: "Pain Relief",
			Brands: []string{"tylenol", "crocin", "dolo", "calpol", "panadol", "acetaminophen", "metacin"}},
		{Generic: "ibuprofen", Class: "nsaid", TherapeuticClass: "Pain Relief",
			Brands: []string{"advil", "motrin", "brufen", "nurofen", "ibugesic", "combiflam"}},
		{Generic: "diclofenac", Class: "nsaid", TherapeuticClass: "Pain Relief",
			Brands: []string{"voltaren", "voveran", "cataflam", "diclogesic", "reactin"}},
		{Generic: "naproxen", Class: "nsaid", TherapeuticClass: "Pain Relief",
			Brands: []string{"aleve", "naprosyn", "anaprox"}},
		{Generic: "aspirin", Class: "nsaid_antiplatelet", TherapeuticClass: "Pain Relief / Cardiac",
			Brands: []string{"ecosprin", "disprin", "aspro", "bayer aspirin", "aspilet"}},
		{Generic: "tramadol", Class: "opioid_analgesic", TherapeuticClass: "Pain Relief",
			Brands: []string{"ultram", "tramazac", "contramal", "domadol", "trambax"}},
		{Generic: "codeine", Class: "opioid_analgesic", TherapeuticClass: "Pain Relief",
			Brands: []string{"codeine phosphate"}},

		// Antibiotics
		{Generic: "amoxicillin", Class: "antibiotic_penicillin", TherapeuticClass: "Antibiotic",
			Brands: []string{"amoxil", "mox", "novamox", "trimox", "wymox", "amoxyclav"}},
		{Generic: "ampicillin", Class: "antibiotic_penicillin", TherapeuticClass: "Antibiotic",
			Brands: []string{"principen"}},
		{Generic: "azithromycin", Class: "antibiotic_macrolide", TherapeuticClass: "Antibiotic",
			Brands: []string{"zithromax", "azithral", "zmax", "azee", "azicip", "azibact"}},
		{Generic: "clarithromycin", Class: "antibiotic_macrolide", TherapeuticClass: "Antibiotic",
			Brands: []string{"biaxin", "claribid"}},
		{Generic: "ciprofloxacin", Class: "antibiotic_fluoroquinolone", TherapeuticClass: "Antibiotic",
			Brands: []string{"cipro", "ciplox", "cifran", "ciprolet"}},
		{Generic: "doxycycline", Class: "antibiotic_tetracycline", TherapeuticClass: "Antibiotic",
			Brands: []string{"vibramycin", "doxy", "doxt", "oracea"}},
		{Generic: "metronidazole", Class: "antibiotic_antiprotozoal", TherapeuticClass: "Antibiotic",
			Brands: []string{"flagyl", "metrogyl", "rozex", "metron"}},
		{Generic: "cephalexin", Class: "antibiotic_cephalosporin", TherapeuticClass: "Antibiotic",
			Brands: []string{"keflex", "ceff", "sporidex", "ceporex"}},
		{Generic: "cefixime", Class: "antibiotic_cephalosporin", TherapeuticClass: "Antibiotic",
			Brands: []string{"suprax", "taxim", "cefspan", "zifi"}},
		{Generic: "sulfamethoxazole", Class: "antibiotic_sulfonamide", TherapeuticClass: "Antibiotic",
			Brands: []string{"bactrim", "septran", "cotrimoxazole"}},
		{Generic: "fluconazole", Class: "antifungal_azole", TherapeuticClass: "Antifungal",
			Brands: []string{"diflucan", "forcan", "zocon"}},

		// Cardiovascular
		{Generic: "amlodipine", Class: "calcium_channel_blocker", TherapeuticClass: "Cardiovascular",
			Brands: []string{"norvasc", "amlong", "amlip", "amlopin", "amtas"}},
		{Generic: "atorvastatin", Class: "statin", TherapeuticClass: "Cardiovascular",
			Brands: []string{"lipitor", "atorva", "storvas", "tonact", "atorlip"}},
		{Generic: "rosuvastatin", Class: "statin", TherapeuticClass: "Cardiovascular",
			Brands: []string{"crestor", "rosuvas", "rozavel", "rosulip"}},
		{Generic: "simvastatin", Class: "statin", TherapeuticClass: "Cardiovascular",
			Brands: []string{"zocor", "simvotin"}},
		{Generic: "fenofibrate", Class: "fibrate", TherapeuticClass: "Cardiovascular",
			Brands: []string{"tricor", "lipicard", "fenolip"}},
		{Generic: "metoprolol", Class: "beta_blocker", TherapeuticClass: "Cardiovascular",
			Brands: []string{"lopressor", "toprol", "betaloc", "metolar"}},
		{Generic: "atenolol", Class: "beta_blocker", TherapeuticClass: "Cardiovascular",
			Brands: []string{"tenormin", "betacard", "aten", "tenolol"}},
		{Generic: "carvedilol", Class: "beta_blocker", TherapeuticClass: "Cardiovascular",
			Brands: []string{"coreg", "cardivas"}},
		{Generic: "bisoprolol", Class: "beta_blocker", TherapeuticClass: "Cardiovascular",
			Brands: []string{"zebeta", "concor"}},
		{Generic: "lisinopril", Class: "ace_inhibitor", TherapeuticClass: "Cardiovascular",
			Brands: []string{"zestril", "prinivil", "listril", "lipril"}},
		{Generic: "enalapril", Class: "ace_inhibitor", TherapeuticClass: "Cardiovascular",
			Brands: []string{"vasotec", "envas"}},
		{Generic: "ramipril", Class: "ace_inhibitor", TherapeuticClass: "Cardiovascular",
			Brands: []string{"altace", "cardace"}},
		{Generic: "losartan", Class: "arb", TherapeuticClass: "Cardiovascular",
			Brands: []string{"cozaar", "losacar", "losar", "repace"}},
		{Generic: "telmisartan", Class: "arb", TherapeuticClass: "Cardiovascular",
			Brands: []string{"micardis", "telma", "telmikind", "telsar"}},
		{Generic: "sacubitril_valsartan", Class: "arni", TherapeuticClass: "Cardiovascular",
			Brands: []string{"entresto", "vymada"}},
		{Generic: "hydrochlorothiazide", Class: "thiazide_diuretic", TherapeuticClass: "Cardiovascular",
			Brands: []string{"microzide", "aquazide"}},
		{Generic: "furosemide", Class: "loop_diuretic", TherapeuticClass: "Cardiovascular",
			Brands: []string{"lasix", "frusemide"}},
		{Generic: "spironolactone", Class: "mra_diuretic", TherapeuticClass: "Cardiovascular",
			Brands: []string{"aldactone"}},
		{Generic: "eplerenone", Class: "mra_diuretic", TherapeuticClass: "Cardiovascular",
			Brands: []string{"inspra"}},
		{Generic: "digoxin", Class: "cardiac_glycoside", TherapeuticClass: "Cardiovascular",
			Brands: []string{"lanoxin"}},
		{Generic: "clopidogrel", Class: "antiplatelet", TherapeuticClass: "Cardiovascular",
			Brands: []string{"plavix", "clopilet", "deplatt", "clavix"}},
		{Generic: "ticagrelor", Class: "antiplatelet", TherapeuticClass: "Cardiovascular",
			Brands: []string{"brilinta", "brilique"}},
		{Generic: "warfarin", Class: "anticoagulant", TherapeuticClass: "Cardiovascular",
			Brands: []string{"coumadin", "warf", "acitrom"}},
		{Generic: "apixaban", Class: "anticoagulant_doac", TherapeuticClass: "Cardiovascular",
			Brands: []string{"eliquis"}},
		{Generic: "rivaroxaban", Class: "anticoagulant_doac", TherapeuticClass: "Cardiovascular",
			Brands: []string{"xarelto"}},

		// Antidiabetic
		{Generic: "metformin", Class: "biguanide", TherapeuticClass: "Antidiabetic",
			Brands: []string{"glucophage", "glycomet", "glumet", "fortamet", "glyciphage"}},
		{Generic: "glimepiride", Class: "sulfonylurea", TherapeuticClass: "Antidiabetic",
			Brands: []string{"amaryl", "glimestar", "glimy", "glimisave"}},
		{Generic: "sitagliptin", Class: "dpp4_inhibitor", TherapeuticClass: "Antidiabetic",
			Brands: []string{"januvia", "zita", "istavel"}},
		{Generic: "empagliflozin", Class: "sglt2_inhibitor", TherapeuticClass: "Antidiabetic",
			Brands: []string{"jardiance"}},
		{Generic: "dapagliflozin", Class: "sglt2_inhibitor", TherapeuticClass: "Antidiabetic",
			Brands: []string{"farxiga", "forxiga"}},
		{Generic: "semaglutide", Class: "glp1_agonist", TherapeuticClass: "Antidiabetic",
			Brands: []string{"ozempic", "rybelsus", "wegovy"}},
		{Generic: "pioglitazone", Class: "thiazolidinedione", TherapeuticClass: "Antidiabetic",
			Brands: []string{"actos", "pioz"}},

		// Gastrointestinal
		{Generic: "omeprazole", Class: "ppi", TherapeuticClass: "Gastrointestinal",
			Brands: []string{"prilosec", "omez", "losec", "ocid", "omecip"}},
		{Generic: "pantoprazole", Class: "ppi", TherapeuticClass: "Gastrointestinal",
			Brands: []string{"protonix", "pan", "pantop", "pantocar", "pantocid"}},
		{Generic: "ranitidine", Class: "h2_blocker", TherapeuticClass: "Gastrointestinal",
			Brands: []string{"zantac", "aciloc", "rantac", "zinetac"}},
		{Generic: "domperidone", Class: "prokinetic", TherapeuticClass: "Gastrointestinal",
			Brands: []string{"motilium", "domstal", "vomistop", "domperi"}},
		{Generic: "ondansetron", Class: "antiemetic", TherapeuticClass: "Gastrointestinal",
			Brands: []string{"zofran", "ondem", "emeset", "vomikind"}},

		// Respiratory
		{Generic: "salbutamol", Class: "beta2_agonist", TherapeuticClass: "Respiratory",
			Brands: []string{"ventolin", "asthalin", "proventil", "albuterol", "derihaler"}},
		{Generic: "tiotropium", Class: "lama_bronchodilator", TherapeuticClass: "Respiratory",
			Brands: []string{"spiriva", "tiova"}},
		{Generic: "budesonide", Class: "inhaled_corticosteroid", TherapeuticClass: "Respiratory",
			Brands: []string{"pulmicort", "budecort"}},
		{Generic: "montelukast", Class: "leukotriene_antagonist", TherapeuticClass: "Respiratory",
			Brands: []string{"singulair", "montair", "montek", "telekast"}},
		{Generic: "prednisolone", Class: "corticosteroid", TherapeuticClass: "Endocrine",
			Brands: []string{"omnacortil", "wysolone"}},

		// Allergy
		{Generic: "cetirizine", Class: "antihistamine", TherapeuticClass: "Allergy",
			Brands: []string{"zyrtec", "cetzine", "incid", "okacet"}},
		{Generic: "loratadine", Class: "antihistamine", TherapeuticClass: "Allergy",
			Brands: []string{"claritin", "lorfast", "alavert", "clarityn"}},
		{Generic: "fexofenadine", Class: "antihistamine", TherapeuticClass: "Allergy",
			Brands: []string{"allegra", "fexova", "altiva"}},

		// Psychiatric / neurological
		{Generic: "sertraline", Class: "ssri", TherapeuticClass: "Psychiatric",
			Brands: []string{"zoloft", "serlift", "lustral", "daxid"}},
		{Generic: "escitalopram", Class: "ssri", TherapeuticClass: "Psychiatric",
			Brands: []string{"lexapro", "cipralex", "nexito", "stalopam"}},
		{Generic: "alprazolam", Class: "benzodiazepine", TherapeuticClass: "Psychiatric",
			Brands: []string{"xanax", "alprax", "restyl", "trika"}},
		{Generic: "clonazepam", Class: "benzodiazepine", TherapeuticClass: "Psychiatric",
			Brands: []string{"klonopin", "rivotril", "clonotril", "zapiz"}},
		{Generic: "gabapentin", Class: "anticonvulsant", TherapeuticClass: "Neurological",
			Brands: []string{"neurontin", "gabantin", "gralise", "gabapin"}},

		// Endocrine / immunology
		{Generic: "levothyroxine", Class: "thyroid_hormone", TherapeuticClass: "Endocrine",
			Brands: []string{"synthroid", "thyronorm", "eltroxin", "levoxyl", "thyrox"}},
		{Generic: "methotrexate", Class: "antimetabolite", TherapeuticClass: "Immunology",
			Brands: []string{"trexall", "folitrax"}},

		// Supplements
		{Generic: "vitamin_d", Class: "vitamin", TherapeuticClass: "Supplement",
			Brands: []string{"calcirol", "d3 must", "arachitol", "cholecalciferol"}},
		{Generic: "vitamin_b12", Class: "vitamin", TherapeuticClass: "Supplement",
			Brands: []string{"neurobion", "methylcobal", "mecobalamin", "cobadex"}},
		{Generic: "calcium", Class: "mineral", TherapeuticClass: "Supplement",
			Brands: []string{"shelcal", "calcimax", "gemcal", "ccm"}},
		{Generic: "iron", Class: "mineral", TherapeuticClass: "Supplement",
			Brands: []string{"orofer", "autrin", "fefol", "ferrous sulfate"}},
	}
}
